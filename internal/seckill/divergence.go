package seckill

import (
	"context"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/events"
	"pkt.systems/voucherd/internal/loggingutil"
)

// DivergenceMonitor watches aborted orders for tickets the gate admitted but
// the backing store rejected for lack of stock. That only happens when the
// provisional counter was seeded higher than the authoritative stock.
type DivergenceMonitor struct {
	logger  pslog.Logger
	metrics *seckillMetrics
	count   atomic.Int64
}

// NewDivergenceMonitor returns an idle monitor.
func NewDivergenceMonitor(logger pslog.Logger) *DivergenceMonitor {
	logger = loggingutil.WithSubsystem(logger, "seckill.divergence")
	return &DivergenceMonitor{logger: logger, metrics: newSeckillMetrics(logger)}
}

// Watch subscribes to aborted order events until ctx ends.
func (m *DivergenceMonitor) Watch(ctx context.Context, bus *events.Bus) error {
	return bus.Subscribe(ctx, events.TopicAborted, m.observe)
}

func (m *DivergenceMonitor) observe(ctx context.Context, ev events.OrderEvent) {
	if ev.Outcome != string(AbortedNoStock) {
		return
	}
	m.count.Add(1)
	m.metrics.recordDivergence(ctx, ev.VoucherID)
	m.logger.Warn("seckill.stock.divergence", "voucher_id", ev.VoucherID, "order_id", ev.OrderID, "buyer_id", ev.BuyerID)
}

// Count returns how many divergent tickets were observed.
func (m *DivergenceMonitor) Count() int64 { return m.count.Load() }
