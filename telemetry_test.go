package voucherd

import (
	"context"
	"testing"

	"pkt.systems/voucherd/internal/loggingutil"
)

func TestParseOTLPEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9000", otlpTarget{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := parseOTLPEndpoint(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"ftp://collector", "http://"} {
		if _, err := parseOTLPEndpoint(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestTelemetryDisabledIsNoop(t *testing.T) {
	tel, err := startTelemetry(context.Background(), Config{}, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tel.Tracing() {
		t.Fatal("tracing should be off")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTelemetryServesMetrics(t *testing.T) {
	tel, err := startTelemetry(context.Background(), Config{MetricsListen: "127.0.0.1:0"}, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tel.Shutdown(context.Background())
	if len(tel.closers) != 2 {
		t.Fatalf("expected meter provider and listener closers, got %d", len(tel.closers))
	}
}
