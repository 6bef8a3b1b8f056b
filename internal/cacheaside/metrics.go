package cacheaside

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/metricsutil"
)

type cacheMetrics struct {
	lookups   metric.Int64Counter
	fetches   metric.Int64Counter
	fetchDur  metric.Int64Histogram
	rebuilds  metric.Int64Counter
	skipped   metric.Int64Counter
	poolGauge metric.Int64ObservableGauge
}

func newCacheMetrics(logger pslog.Logger, pool *Pool) *cacheMetrics {
	meter := otel.Meter("pkt.systems/voucherd/cacheaside")
	m := &cacheMetrics{}
	var err error

	m.lookups, err = meter.Int64Counter(
		"voucherd.cache.lookup",
		metric.WithDescription("Cache lookups by strategy and result"),
	)
	metricsutil.LogInitError(logger, "voucherd.cache.lookup", err)

	m.fetches, err = meter.Int64Counter(
		"voucherd.cache.fetch",
		metric.WithDescription("Backing store fetches issued by the cache"),
	)
	metricsutil.LogInitError(logger, "voucherd.cache.fetch", err)

	m.fetchDur, err = meter.Int64Histogram(
		"voucherd.cache.fetch.duration_ms",
		metric.WithDescription("Backing store fetch duration"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "voucherd.cache.fetch.duration_ms", err)

	m.rebuilds, err = meter.Int64Counter(
		"voucherd.cache.rebuild",
		metric.WithDescription("Logical expiry rebuilds by outcome"),
	)
	metricsutil.LogInitError(logger, "voucherd.cache.rebuild", err)

	m.skipped, err = meter.Int64Counter(
		"voucherd.cache.oversized",
		metric.WithDescription("Values not cached because they exceeded the payload limit"),
	)
	metricsutil.LogInitError(logger, "voucherd.cache.oversized", err)

	if pool == nil {
		return m
	}
	m.poolGauge, err = meter.Int64ObservableGauge(
		"voucherd.cache.rebuild.queued",
		metric.WithDescription("Rebuilds waiting for a worker"),
	)
	metricsutil.LogInitError(logger, "voucherd.cache.rebuild.queued", err)
	if m.poolGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.poolGauge, pool.Queued())
			return nil
		}, m.poolGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "voucherd.cache.rebuild.queued", "error", err)
		}
	}
	return m
}

func (m *cacheMetrics) recordLookup(ctx context.Context, strategy Strategy, result string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(
		attribute.String("voucherd.cache.strategy", string(strategy)),
		attribute.String("voucherd.cache.result", result),
	))
}

func (m *cacheMetrics) recordFetch(ctx context.Context, prefix string, d time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricsutil.Context(ctx)
	attrs := metric.WithAttributes(
		attribute.String("voucherd.cache.prefix", prefix),
		attribute.String("voucherd.cache.result", metricsutil.ResultLabel(err)),
	)
	if m.fetches != nil {
		m.fetches.Add(ctx, 1, attrs)
	}
	if m.fetchDur != nil {
		m.fetchDur.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *cacheMetrics) recordRebuild(ctx context.Context, outcome string) {
	if m == nil || m.rebuilds == nil {
		return
	}
	m.rebuilds.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("voucherd.cache.outcome", outcome)))
}

func (m *cacheMetrics) recordSkip(ctx context.Context) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.Add(metricsutil.Context(ctx), 1)
}
