package loggingutil

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("seckill", "", ".consumer."); got != "seckill.consumer" {
		t.Fatalf("unexpected subsystem %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestEnsureLoggerFallsBackToNoop(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
	if EnsureLogger(nil) != NoopLogger() {
		t.Fatal("expected shared noop logger")
	}
}

func TestWithSubsystemTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	base := pslog.NewWithOptions(&buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
	WithSubsystem(base, "cache.engine").Info("ping")
	out := buf.String()
	if !strings.Contains(out, "cache.engine") {
		t.Fatalf("expected subsystem in output, got %q", out)
	}
}
