// Package shop serves shop and shop-type reads through the cache-aside engine
// and keeps the cache consistent on writes by deleting, never rewriting,
// cached entries.
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/cacheaside"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/store"
)

// Cache defaults.
const (
	DefaultShopTTL     = 30 * time.Minute
	DefaultShopTypeTTL = time.Hour
	// TypeListID is the cache id of the shop-type list.
	TypeListID = "list"
)

// Config tunes a Service.
type Config struct {
	// Strategy selects the read path for QueryByID. Defaults to logical
	// expiry.
	Strategy    cacheaside.Strategy
	ShopTTL     time.Duration
	ShopTypeTTL time.Duration
	Logger      pslog.Logger
}

// Service is the shop read/write path.
type Service struct {
	shops    store.Shops
	strategy cacheaside.Strategy
	byID     *cacheaside.Loader[int64, store.Shop]
	types    *cacheaside.Loader[string, []store.ShopType]
	logger   pslog.Logger
}

// NewService wires the shop loaders onto engine.
func NewService(engine *cacheaside.Engine, shops store.Shops, cfg Config) (*Service, error) {
	if shops == nil {
		return nil, errors.New("shop: store required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = cacheaside.StrategyLogical
	}
	if _, err := cacheaside.ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.ShopTTL <= 0 {
		cfg.ShopTTL = DefaultShopTTL
	}
	if cfg.ShopTypeTTL <= 0 {
		cfg.ShopTypeTTL = DefaultShopTypeTTL
	}
	byID, err := cacheaside.NewLoader(engine, cacheaside.LoaderConfig[int64, store.Shop]{
		KeyPrefix:  coord.ShopCachePrefix,
		LockPrefix: coord.ShopLockPrefix,
		TTL:        cfg.ShopTTL,
		Fetch: func(ctx context.Context, id int64) (store.Shop, bool, error) {
			s, err := shops.GetShop(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return store.Shop{}, false, nil
			}
			if err != nil {
				return store.Shop{}, false, err
			}
			return *s, true, nil
		},
	})
	if err != nil {
		return nil, err
	}
	types, err := cacheaside.NewLoader(engine, cacheaside.LoaderConfig[string, []store.ShopType]{
		KeyPrefix: coord.ShopTypeCachePrefix,
		TTL:       cfg.ShopTypeTTL,
		Codec:     cacheaside.SnappyCodec[[]store.ShopType]{},
		Fetch: func(ctx context.Context, _ string) ([]store.ShopType, bool, error) {
			list, err := shops.ListShopTypes(ctx)
			if err != nil {
				return nil, false, err
			}
			return list, true, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		shops:    shops,
		strategy: cfg.Strategy,
		byID:     byID,
		types:    types,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "shop"),
	}, nil
}

// Strategy returns the read strategy used by QueryByID.
func (s *Service) Strategy() cacheaside.Strategy { return s.strategy }

// QueryByID returns the shop with id. Under logical expiry only preheated
// shops are served; anything else is reported as not found.
func (s *Service) QueryByID(ctx context.Context, id int64) (*store.Shop, error) {
	if id <= 0 {
		return nil, failure.Validation("shop id must be positive")
	}
	shop, found, err := s.byID.Get(ctx, id, s.strategy)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, failure.NotFound(fmt.Sprintf("shop %d", id))
	}
	return &shop, nil
}

// Update writes shop to the store and then drops its cache entry so the next
// read rebuilds it. Logical reads never rebuild a missing entry, so under that
// strategy the entry is warmed again from the store right away.
func (s *Service) Update(ctx context.Context, shop *store.Shop) error {
	if shop == nil || shop.ID <= 0 {
		return failure.Validation("shop id must be positive")
	}
	if err := s.shops.UpdateShop(ctx, shop); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure.NotFound(fmt.Sprintf("shop %d", shop.ID))
		}
		return fmt.Errorf("shop: update %d: %w", shop.ID, err)
	}
	if err := s.byID.Invalidate(ctx, shop.ID); err != nil {
		return err
	}
	if s.strategy == cacheaside.StrategyLogical {
		if _, err := s.byID.Warm(ctx, shop.ID); err != nil {
			return fmt.Errorf("shop: rewarm %d: %w", shop.ID, err)
		}
	}
	s.logger.Debug("shop.updated", "shop_id", shop.ID)
	return nil
}

// Preheat loads ids into the cache as logical-expiry entries. Shops missing
// from the store are skipped and reported in the returned slice.
func (s *Service) Preheat(ctx context.Context, ids ...int64) (missing []int64, err error) {
	for _, id := range ids {
		found, err := s.byID.Warm(ctx, id)
		if err != nil {
			return missing, fmt.Errorf("shop: preheat %d: %w", id, err)
		}
		if !found {
			missing = append(missing, id)
		}
	}
	s.logger.Info("shop.preheated", "count", len(ids)-len(missing), "missing", len(missing))
	return missing, nil
}

// TypeList returns all shop types ordered by their sort field.
func (s *Service) TypeList(ctx context.Context) ([]store.ShopType, error) {
	list, _, err := s.types.PassThrough(ctx, TypeListID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []store.ShopType{}
	}
	return list, nil
}
