package seckill

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/metricsutil"
)

type seckillMetrics struct {
	admissions  metric.Int64Counter
	orders      metric.Int64Counter
	orderDur    metric.Int64Histogram
	recoveries  metric.Int64Counter
	deadLetters metric.Int64Counter
	divergence  metric.Int64Counter
}

func newSeckillMetrics(logger pslog.Logger) *seckillMetrics {
	meter := otel.Meter("pkt.systems/voucherd/seckill")
	m := &seckillMetrics{}
	var err error

	m.admissions, err = meter.Int64Counter(
		"voucherd.seckill.admission",
		metric.WithDescription("Gate verdicts"),
	)
	metricsutil.LogInitError(logger, "voucherd.seckill.admission", err)

	m.orders, err = meter.Int64Counter(
		"voucherd.seckill.materialize",
		metric.WithDescription("Materialisation outcomes"),
	)
	metricsutil.LogInitError(logger, "voucherd.seckill.materialize", err)

	m.orderDur, err = meter.Int64Histogram(
		"voucherd.seckill.materialize.duration_ms",
		metric.WithDescription("Ticket handling duration including lock and transaction"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "voucherd.seckill.materialize.duration_ms", err)

	m.recoveries, err = meter.Int64Counter(
		"voucherd.seckill.recovery",
		metric.WithDescription("Pending list recovery passes"),
	)
	metricsutil.LogInitError(logger, "voucherd.seckill.recovery", err)

	m.deadLetters, err = meter.Int64Counter(
		"voucherd.seckill.dead_letter",
		metric.WithDescription("Tickets moved to the dead letter stream"),
	)
	metricsutil.LogInitError(logger, "voucherd.seckill.dead_letter", err)

	m.divergence, err = meter.Int64Counter(
		"voucherd.seckill.stock_divergence",
		metric.WithDescription("Admitted tickets rejected for stock by the backing store"),
	)
	metricsutil.LogInitError(logger, "voucherd.seckill.stock_divergence", err)
	return m
}

func (m *seckillMetrics) recordAdmission(ctx context.Context, v Verdict) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("voucherd.seckill.verdict", v.String())))
}

func (m *seckillMetrics) recordOutcome(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ctx = metricsutil.Context(ctx)
	attrs := metric.WithAttributes(attribute.String("voucherd.seckill.outcome", outcome))
	if m.orders != nil {
		m.orders.Add(ctx, 1, attrs)
	}
	if m.orderDur != nil {
		m.orderDur.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *seckillMetrics) recordRecovery(ctx context.Context, err error) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("voucherd.seckill.result", metricsutil.ResultLabel(err))))
}

func (m *seckillMetrics) recordDeadLetter(ctx context.Context) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.Add(metricsutil.Context(ctx), 1)
}

func (m *seckillMetrics) recordDivergence(ctx context.Context, voucherID int64) {
	if m == nil || m.divergence == nil {
		return
	}
	m.divergence.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.Int64("voucherd.seckill.voucher_id", voucherID)))
}
