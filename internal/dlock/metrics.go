package dlock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/metricsutil"
)

type lockMetrics struct {
	acquire metric.Int64Counter
	release metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/voucherd/dlock")
	m := &lockMetrics{}
	var err error

	m.acquire, err = meter.Int64Counter(
		"voucherd.lock.acquire",
		metric.WithDescription("Lock acquisition attempts by result"),
	)
	metricsutil.LogInitError(logger, "voucherd.lock.acquire", err)

	m.release, err = meter.Int64Counter(
		"voucherd.lock.release",
		metric.WithDescription("Lock releases by result"),
	)
	metricsutil.LogInitError(logger, "voucherd.lock.release", err)
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, result string) {
	if m == nil || m.acquire == nil {
		return
	}
	m.acquire.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("voucherd.lock.result", result)))
}

func (m *lockMetrics) recordRelease(ctx context.Context, result string) {
	if m == nil || m.release == nil {
		return
	}
	m.release.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("voucherd.lock.result", result)))
}
