package seckill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/dlock"
	"pkt.systems/voucherd/internal/events"
	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/loggingutil"
)

// Consumer defaults.
const (
	DefaultBlockTimeout    = 2 * time.Second
	DefaultRecoveryBackoff = 20 * time.Millisecond
	DefaultRecoveryMax     = time.Second
	DefaultOrderLockTTL    = 10 * time.Second
)

// ErrBuyerLocked is returned when another worker is materialising an order for
// the same buyer. The ticket stays pending and is retried by recovery.
var ErrBuyerLocked = errors.New("seckill: buyer order lock busy")

// ConsumerConfig tunes the consumer loop.
type ConsumerConfig struct {
	// BlockTimeout bounds one wait for new tickets.
	BlockTimeout time.Duration
	// RecoveryBackoff is the first pause after a failed recovery step. It
	// doubles on consecutive failures up to RecoveryMaxBackoff.
	RecoveryBackoff    time.Duration
	RecoveryMaxBackoff time.Duration
	// OrderLockTTL is the lifetime of the per-buyer lock.
	OrderLockTTL time.Duration
	// MaxDeliveryAttempts moves a ticket to the dead letter stream after that
	// many failed attempts in this process. Zero retries forever. Unparseable
	// tickets are always dead-lettered on first sight.
	MaxDeliveryAttempts int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = DefaultRecoveryBackoff
	}
	if c.RecoveryMaxBackoff < c.RecoveryBackoff {
		c.RecoveryMaxBackoff = DefaultRecoveryMax
		if c.RecoveryMaxBackoff < c.RecoveryBackoff {
			c.RecoveryMaxBackoff = c.RecoveryBackoff
		}
	}
	if c.OrderLockTTL <= 0 {
		c.OrderLockTTL = DefaultOrderLockTTL
	}
	return c
}

// Consumer drains the order queue on one goroutine. Every ticket is
// acknowledged only after its transaction reached a terminal outcome, so a
// crash at any point leaves it pending for the next recovery pass.
type Consumer struct {
	queue   *Queue
	locker  *dlock.Locker
	mat     *Materializer
	bus     *events.Bus
	clock   clock.Clock
	logger  pslog.Logger
	cfg     ConsumerConfig
	metrics *seckillMetrics

	// attempts is only touched by the consumer goroutine
	attempts map[string]int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithEvents publishes outcomes on bus.
func WithEvents(bus *events.Bus) ConsumerOption {
	return func(c *Consumer) { c.bus = bus }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger pslog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithConsumerClock overrides the clock used for backoff.
func WithConsumerClock(clk clock.Clock) ConsumerOption {
	return func(c *Consumer) { c.clock = clk }
}

// WithConsumerConfig overrides the defaults.
func WithConsumerConfig(cfg ConsumerConfig) ConsumerOption {
	return func(c *Consumer) { c.cfg = cfg }
}

// NewConsumer wires a consumer. Call Start to run it.
func NewConsumer(queue *Queue, locker *dlock.Locker, mat *Materializer, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:    queue,
		locker:   locker,
		mat:      mat,
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrReal(c.clock)
	c.cfg = c.cfg.withDefaults()
	c.logger = loggingutil.WithSubsystem(c.logger, "seckill.consumer")
	c.metrics = newSeckillMetrics(c.logger)
	return c
}

// Start ensures the consumer group exists and launches the loop. The loop
// begins with a recovery pass so tickets left pending by a previous process
// are finished first.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("seckill: consumer already running")
	}
	if err := c.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.run(runCtx, c.done)
	cfg := c.queue.Config()
	fields := []any{"stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer}
	if n, err := c.queue.Len(ctx); err == nil {
		fields = append(fields, "stream_len", n)
	}
	c.logger.Info("seckill.consumer.started", fields...)
	return nil
}

// Stop cancels the loop and waits for it to exit. A blocked queue read may
// delay exit by up to BlockTimeout.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	cancel()
	select {
	case <-done:
		c.logger.Info("seckill.consumer.stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("seckill: consumer stop: %w", ctx.Err())
	}
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.Recover(ctx)
	for ctx.Err() == nil {
		d, err := c.queue.ReadNew(ctx, c.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("seckill.consumer.read_failed", "error", err)
			c.Recover(ctx)
			continue
		}
		if d == nil {
			continue
		}
		if err := c.Handle(ctx, d); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("seckill.consumer.handle_failed", "entry", d.ID, "order_id", d.Ticket.OrderID, "error", err)
			c.Recover(ctx)
		}
	}
}

// Recover reprocesses this consumer's pending list, oldest first, until it is
// empty or ctx ends. Failed steps back off and try again. Like Handle it is
// called by the loop and must not run concurrently with it.
func (c *Consumer) Recover(ctx context.Context) {
	backoff := c.cfg.RecoveryBackoff
	processed := 0
	for ctx.Err() == nil {
		d, err := c.queue.ReadPending(ctx)
		if err == nil && d == nil {
			if processed > 0 {
				c.logger.Info("seckill.recovery.complete", "processed", processed)
			}
			c.metrics.recordRecovery(ctx, nil)
			return
		}
		if err == nil {
			err = c.Handle(ctx, d)
			if err == nil {
				processed++
				backoff = c.cfg.RecoveryBackoff
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.metrics.recordRecovery(ctx, err)
		c.logger.Warn("seckill.recovery.retry", "backoff", backoff, "error", err)
		if clock.Wait(ctx, c.clock, backoff) != nil {
			return
		}
		backoff *= 2
		if backoff > c.cfg.RecoveryMaxBackoff {
			backoff = c.cfg.RecoveryMaxBackoff
		}
	}
}

// Handle processes one delivery: lock the buyer, materialise, release, ack.
// It returns nil once the delivery is acknowledged (committed, aborted or
// dead-lettered) and an error when the delivery must stay pending. Handle must
// not be called while the consumer loop is running.
func (c *Consumer) Handle(ctx context.Context, d *Delivery) error {
	start := time.Now()
	if d.Err != nil {
		return c.deadLetter(ctx, d, d.Err.Error())
	}
	t := d.Ticket
	outcome, err := c.materialize(ctx, t)
	if err != nil {
		c.metrics.recordOutcome(ctx, "error", time.Since(start))
		return c.failed(ctx, d, err)
	}
	if err := c.queue.Ack(ctx, d.ID); err != nil {
		// committed but unacknowledged: the replay check makes redelivery safe
		return err
	}
	delete(c.attempts, d.ID)
	c.metrics.recordOutcome(ctx, string(outcome), time.Since(start))
	if outcome.Aborted() {
		anomaly := failure.MaterializationAnomaly(fmt.Sprintf("ticket %s order %d buyer %d voucher %d: %s", d.ID, t.OrderID, t.BuyerID, t.VoucherID, outcome))
		c.logger.Warn("seckill.order.aborted", "order_id", t.OrderID, "buyer_id", t.BuyerID, "voucher_id", t.VoucherID, "outcome", string(outcome), "error", anomaly)
		c.publish(ctx, events.TopicAborted, t, string(outcome), anomaly.Error())
		return nil
	}
	c.logger.Debug("seckill.order.committed", "order_id", t.OrderID, "buyer_id", t.BuyerID, "voucher_id", t.VoucherID, "lag", time.Since(t.IssuedAt))
	c.publish(ctx, events.TopicCommitted, t, string(outcome), "")
	return nil
}

func (c *Consumer) materialize(ctx context.Context, t Ticket) (Outcome, error) {
	handle, ok, err := c.locker.TryAcquire(ctx, coord.OrderLockResource(t.BuyerID), c.cfg.OrderLockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrBuyerLocked
	}
	outcome, err := c.mat.Materialize(ctx, t)
	if relErr := handle.Release(context.WithoutCancel(ctx)); relErr != nil {
		c.logger.Warn("seckill.order.lock_release_failed", "buyer_id", t.BuyerID, "error", relErr)
	}
	return outcome, err
}

func (c *Consumer) failed(ctx context.Context, d *Delivery, err error) error {
	c.attempts[d.ID]++
	attempts := c.attempts[d.ID]
	if c.cfg.MaxDeliveryAttempts > 0 && attempts >= c.cfg.MaxDeliveryAttempts {
		if dlErr := c.deadLetter(ctx, d, err.Error()); dlErr != nil {
			return errors.Join(err, dlErr)
		}
		return nil
	}
	return err
}

func (c *Consumer) deadLetter(ctx context.Context, d *Delivery, reason string) error {
	if err := c.queue.DeadLetter(ctx, d, reason); err != nil {
		return err
	}
	delete(c.attempts, d.ID)
	c.metrics.recordDeadLetter(ctx)
	c.logger.Error("seckill.order.dead_lettered", "entry", d.ID, "order_id", d.Ticket.OrderID, "reason", reason)
	c.publish(ctx, events.TopicDeadLettered, d.Ticket, "dead_lettered", reason)
	return nil
}

func (c *Consumer) publish(ctx context.Context, topic string, t Ticket, outcome, detail string) {
	if c.bus == nil {
		return
	}
	ev := events.OrderEvent{
		OrderID:   t.OrderID,
		BuyerID:   t.BuyerID,
		VoucherID: t.VoucherID,
		Outcome:   outcome,
		Detail:    detail,
		At:        c.clock.Now(),
	}
	if err := c.bus.Publish(ctx, topic, ev); err != nil {
		c.logger.Warn("seckill.event.publish_failed", "topic", topic, "order_id", t.OrderID, "error", err)
	}
}
