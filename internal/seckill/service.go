package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/cacheaside"
	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/idgen"
	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/store"
)

// OrderIDKey is the id generator key for orders.
const OrderIDKey = "order"

// DefaultVoucherCacheTTL is how long voucher metadata stays cached.
const DefaultVoucherCacheTTL = 10 * time.Minute

// Deps are the collaborators of a Service.
type Deps struct {
	Client   redis.UniversalClient
	Vouchers store.Vouchers
	Orders   store.Orders
	IDs      *idgen.Generator
	Gate     *Gate
	Engine   *cacheaside.Engine
	// VoucherCacheTTL defaults to DefaultVoucherCacheTTL.
	VoucherCacheTTL time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Service is the caller-facing flash-sale API. Seckill only touches the
// coordination store; orders are written later by the Consumer.
type Service struct {
	client   redis.UniversalClient
	vouchers store.Vouchers
	orders   store.Orders
	ids      *idgen.Generator
	gate     *Gate
	cache    *cacheaside.Loader[int64, store.SeckillVoucher]
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *seckillMetrics
}

// NewService validates deps and builds the voucher metadata loader.
func NewService(deps Deps) (*Service, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("seckill: redis client required")
	case deps.Vouchers == nil || deps.Orders == nil:
		return nil, errors.New("seckill: store required")
	case deps.IDs == nil || deps.Gate == nil || deps.Engine == nil:
		return nil, errors.New("seckill: id generator, gate and cache engine required")
	}
	ttl := deps.VoucherCacheTTL
	if ttl <= 0 {
		ttl = DefaultVoucherCacheTTL
	}
	vouchers := deps.Vouchers
	loader, err := cacheaside.NewLoader(deps.Engine, cacheaside.LoaderConfig[int64, store.SeckillVoucher]{
		KeyPrefix:  coord.VoucherCachePrefix,
		LockPrefix: coord.VoucherLockPrefix,
		TTL:        ttl,
		Fetch: func(ctx context.Context, id int64) (store.SeckillVoucher, bool, error) {
			v, err := vouchers.GetSeckillVoucher(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return store.SeckillVoucher{}, false, nil
			}
			if err != nil {
				return store.SeckillVoucher{}, false, err
			}
			return *v, true, nil
		},
	})
	if err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(deps.Logger, "seckill.service")
	return &Service{
		client:   deps.Client,
		vouchers: deps.Vouchers,
		orders:   deps.Orders,
		ids:      deps.IDs,
		gate:     deps.Gate,
		cache:    loader,
		clock:    clock.OrReal(deps.Clock),
		logger:   logger,
		metrics:  newSeckillMetrics(logger),
	}, nil
}

// RegisterVoucher stores the authoritative inventory row and seeds the
// provisional counter with the same stock. Any admitted-buyer set left from a
// previous sale with the same id is cleared.
func (s *Service) RegisterVoucher(ctx context.Context, v *store.SeckillVoucher) error {
	if v == nil || v.VoucherID <= 0 {
		return failure.Validation("voucher id must be positive")
	}
	if v.Stock < 0 {
		return failure.Validation("stock must not be negative, got %d", v.Stock)
	}
	if !v.EndTime.After(v.BeginTime) {
		return failure.Validation("sale window end %s must be after begin %s", v.EndTime.Format(time.RFC3339), v.BeginTime.Format(time.RFC3339))
	}
	if err := s.vouchers.InsertSeckillVoucher(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return failure.Validation("voucher %d already registered", v.VoucherID)
		}
		return fmt.Errorf("seckill: register voucher %d: %w", v.VoucherID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, coord.StockKey(v.VoucherID), v.Stock, 0)
	pipe.Del(ctx, coord.OrderSetKey(v.VoucherID))
	if _, err := pipe.Exec(ctx); err != nil {
		return coord.Classify("seed stock counter", err)
	}
	if err := s.cache.Invalidate(ctx, v.VoucherID); err != nil {
		s.logger.Warn("seckill.voucher.invalidate_failed", "voucher_id", v.VoucherID, "error", err)
	}
	s.logger.Info("seckill.voucher.registered", "voucher_id", v.VoucherID, "stock", v.Stock,
		"begin", v.BeginTime, "end", v.EndTime)
	return nil
}

// Seckill attempts to purchase voucherID for buyerID. On success the returned
// order id is final; the order itself is materialised asynchronously.
func (s *Service) Seckill(ctx context.Context, voucherID, buyerID int64) (int64, error) {
	if voucherID <= 0 {
		return 0, failure.Validation("voucher id must be positive")
	}
	if buyerID <= 0 {
		return 0, failure.Validation("buyer id must be positive")
	}
	v, found, err := s.cache.PassThrough(ctx, voucherID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, failure.NotFound(fmt.Sprintf("seckill voucher %d", voucherID))
	}
	now := s.clock.Now()
	if now.Before(v.BeginTime) {
		return 0, failure.Validation("seckill for voucher %d has not started", voucherID)
	}
	if now.After(v.EndTime) {
		return 0, failure.Validation("seckill for voucher %d has ended", voucherID)
	}
	orderID, err := s.ids.NextID(ctx, OrderIDKey)
	if err != nil {
		return 0, err
	}
	verdict, err := s.gate.Admit(ctx, voucherID, buyerID, orderID)
	if err != nil {
		return 0, err
	}
	s.metrics.recordAdmission(ctx, verdict)
	switch verdict {
	case Admitted:
		s.logger.Debug("seckill.admitted", "voucher_id", voucherID, "buyer_id", buyerID, "order_id", orderID)
		return orderID, nil
	case OutOfStock:
		return 0, failure.CapacityExhausted(fmt.Sprintf("voucher %d is sold out", voucherID))
	default:
		return 0, failure.Duplicate(fmt.Sprintf("buyer %d already holds voucher %d", buyerID, voucherID))
	}
}

// Order returns a materialised order.
func (s *Service) Order(ctx context.Context, orderID int64) (*store.VoucherOrder, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.NotFound(fmt.Sprintf("order %d", orderID))
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ProvisionalStock returns the gate's stock counter for voucherID.
func (s *Service) ProvisionalStock(ctx context.Context, voucherID int64) (int64, error) {
	n, err := s.client.Get(ctx, coord.StockKey(voucherID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, coord.Classify("read stock counter", err)
	}
	return n, nil
}
