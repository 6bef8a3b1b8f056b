package shop

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/voucherd/internal/cacheaside"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/dlock"
	"pkt.systems/voucherd/internal/failure"
	"pkt.systems/voucherd/internal/store"
	"pkt.systems/voucherd/internal/store/memory"
)

func newService(t *testing.T, strategy cacheaside.Strategy) (*Service, *memory.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pool := cacheaside.NewPool(2, 4, nil)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	engine := cacheaside.NewEngine(client, dlock.NewLocker(client), pool)
	st := memory.New()
	svc, err := NewService(engine, st, Config{Strategy: strategy})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, st, mr
}

func seedShop(t *testing.T, st *memory.Store, name string) *store.Shop {
	t.Helper()
	s := &store.Shop{Name: name, TypeID: 1, Address: "Main St"}
	if err := st.InsertShop(context.Background(), s); err != nil {
		t.Fatalf("insert shop: %v", err)
	}
	return s
}

func TestQueryByIDPassThroughAndMutex(t *testing.T) {
	for _, strategy := range []cacheaside.Strategy{cacheaside.StrategyPassThrough, cacheaside.StrategyMutex} {
		t.Run(string(strategy), func(t *testing.T) {
			svc, st, mr := newService(t, strategy)
			ctx := context.Background()
			seeded := seedShop(t, st, "noodles")

			got, err := svc.QueryByID(ctx, seeded.ID)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if got.Name != "noodles" {
				t.Fatalf("unexpected shop %+v", got)
			}
			if !mr.Exists(coord.ShopCachePrefix + "1") {
				t.Fatal("expected shop to be cached")
			}
			if _, err := svc.QueryByID(ctx, 99); !failure.Is(err, failure.CodeNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if !mr.Exists(coord.ShopCachePrefix + "99") {
				t.Fatal("expected negative marker for missing shop")
			}
			if v, _ := mr.Get(coord.ShopCachePrefix + "99"); v != "" {
				t.Fatalf("negative marker must be empty, got %q", v)
			}
			if _, err := svc.QueryByID(ctx, 0); !failure.Is(err, failure.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLogicalQueryServesOnlyPreheatedShops(t *testing.T) {
	svc, st, _ := newService(t, "")
	ctx := context.Background()
	if svc.Strategy() != cacheaside.StrategyLogical {
		t.Fatalf("expected logical default, got %s", svc.Strategy())
	}
	seeded := seedShop(t, st, "tea house")

	if _, err := svc.QueryByID(ctx, seeded.ID); !failure.Is(err, failure.CodeNotFound) {
		t.Fatalf("cold logical read should be not found, got %v", err)
	}
	missing, err := svc.Preheat(ctx, seeded.ID, 42)
	if err != nil {
		t.Fatalf("preheat: %v", err)
	}
	if len(missing) != 1 || missing[0] != 42 {
		t.Fatalf("unexpected missing ids %v", missing)
	}
	got, err := svc.QueryByID(ctx, seeded.ID)
	if err != nil || got.Name != "tea house" {
		t.Fatalf("preheated read: %+v %v", got, err)
	}
}

func TestUpdateInvalidatesCache(t *testing.T) {
	svc, st, mr := newService(t, cacheaside.StrategyPassThrough)
	ctx := context.Background()
	seeded := seedShop(t, st, "old name")
	if _, err := svc.QueryByID(ctx, seeded.ID); err != nil {
		t.Fatalf("warm: %v", err)
	}

	updated := *seeded
	updated.Name = "new name"
	if err := svc.Update(ctx, &updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if mr.Exists(coord.ShopCachePrefix + "1") {
		t.Fatal("update must delete the cache entry")
	}
	got, err := svc.QueryByID(ctx, seeded.ID)
	if err != nil || got.Name != "new name" {
		t.Fatalf("read after update: %+v %v", got, err)
	}

	if err := svc.Update(ctx, &store.Shop{ID: 77, Name: "ghost"}); !failure.Is(err, failure.CodeNotFound) {
		t.Fatalf("expected not found for unknown shop, got %v", err)
	}
	if err := svc.Update(ctx, &store.Shop{Name: "no id"}); !failure.Is(err, failure.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateKeepsLogicalShopServed(t *testing.T) {
	svc, st, mr := newService(t, cacheaside.StrategyLogical)
	ctx := context.Background()
	seeded := seedShop(t, st, "old name")
	if _, err := svc.Preheat(ctx, seeded.ID); err != nil {
		t.Fatalf("preheat: %v", err)
	}

	updated := *seeded
	updated.Name = "new name"
	if err := svc.Update(ctx, &updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !mr.Exists(coord.ShopCachePrefix + "1") {
		t.Fatal("logical entry should be warmed again after update")
	}
	got, err := svc.QueryByID(ctx, seeded.ID)
	if err != nil || got.Name != "new name" {
		t.Fatalf("read after update: %+v %v", got, err)
	}
}

func TestTypeListIsSortedAndCached(t *testing.T) {
	svc, st, mr := newService(t, "")
	ctx := context.Background()
	for _, ty := range []store.ShopType{{Name: "bars", Sort: 3}, {Name: "food", Sort: 1}, {Name: "ktv", Sort: 2}} {
		ty := ty
		if err := st.InsertShopType(ctx, &ty); err != nil {
			t.Fatalf("insert type: %v", err)
		}
	}
	list, err := svc.TypeList(ctx)
	if err != nil {
		t.Fatalf("type list: %v", err)
	}
	if len(list) != 3 || list[0].Name != "food" || list[2].Name != "bars" {
		t.Fatalf("unexpected order %+v", list)
	}
	if !mr.Exists(coord.ShopTypeCachePrefix + TypeListID) {
		t.Fatal("expected type list to be cached")
	}
	if ttl := mr.TTL(coord.ShopTypeCachePrefix + TypeListID); ttl <= 0 || ttl > DefaultShopTypeTTL {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if err := st.InsertShopType(ctx, &store.ShopType{Name: "spa", Sort: 0}); err != nil {
		t.Fatalf("insert type: %v", err)
	}
	cached, err := svc.TypeList(ctx)
	if err != nil || len(cached) != 3 {
		t.Fatalf("expected cached list of 3, got %d (%v)", len(cached), err)
	}
	mr.FastForward(DefaultShopTypeTTL + time.Second)
	fresh, err := svc.TypeList(ctx)
	if err != nil || len(fresh) != 4 || fresh[0].Name != "spa" {
		t.Fatalf("expected refreshed list, got %+v (%v)", fresh, err)
	}
}

func TestNewServiceRejectsUnknownStrategy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	engine := cacheaside.NewEngine(client, dlock.NewLocker(client), cacheaside.NewPool(1, 1, nil))
	if _, err := NewService(engine, memory.New(), Config{Strategy: "bogus"}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if _, err := NewService(engine, nil, Config{}); err == nil {
		t.Fatal("expected error for nil store")
	}
}
