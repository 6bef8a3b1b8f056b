package bunstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pkt.systems/voucherd/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(context.Background(), Options{
		Provider:     SQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		CreateSchema: true,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShopRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	shop := &store.Shop{Name: "Tea House", TypeID: 1, Address: "1 Main St", AvgPrice: 80}
	if err := s.InsertShop(ctx, shop); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if shop.ID == 0 {
		t.Fatal("expected id to be assigned")
	}
	got, err := s.GetShop(ctx, shop.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Tea House" || got.AvgPrice != 80 {
		t.Fatalf("unexpected shop %+v", got)
	}
	got.Name = "Tea House II"
	if err := s.UpdateShop(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := s.GetShop(ctx, shop.ID)
	if again.Name != "Tea House II" {
		t.Fatalf("expected updated name, got %q", again.Name)
	}
	if _, err := s.GetShop(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateShop(ctx, &store.Shop{ID: 999, Name: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestShopTypesOrdered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, st := range []store.ShopType{{Name: "KTV", Sort: 3}, {Name: "Food", Sort: 1}, {Name: "Spa", Sort: 2}} {
		st := st
		if err := s.InsertShopType(ctx, &st); err != nil {
			t.Fatalf("insert type: %v", err)
		}
	}
	types, err := s.ListShopTypes(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(types) != 3 || types[0].Name != "Food" || types[2].Name != "KTV" {
		t.Fatalf("unexpected order %+v", types)
	}
}

func TestOrderTransaction(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()
	if err := s.InsertSeckillVoucher(ctx, &store.SeckillVoucher{VoucherID: 1, Stock: 1, BeginTime: now, EndTime: now.Add(time.Hour)}); err != nil {
		t.Fatalf("insert voucher: %v", err)
	}

	err := s.InTx(ctx, func(ctx context.Context, tx store.OrderTx) error {
		n, err := tx.CountOrders(ctx, 7, 1)
		if err != nil || n != 0 {
			return fmt.Errorf("count: %d %v", n, err)
		}
		ok, err := tx.DecrementStock(ctx, 1)
		if err != nil || !ok {
			return fmt.Errorf("decrement: %v %v", ok, err)
		}
		return tx.InsertOrder(ctx, &store.VoucherOrder{ID: 100, UserID: 7, VoucherID: 1})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	v, err := s.GetSeckillVoucher(ctx, 1)
	if err != nil || v.Stock != 0 {
		t.Fatalf("expected stock 0, got %+v (%v)", v, err)
	}
	o, err := s.GetOrder(ctx, 100)
	if err != nil || o.UserID != 7 || o.Status != store.OrderUnpaid {
		t.Fatalf("unexpected order %+v (%v)", o, err)
	}

	// stock exhausted: the conditional update changes nothing
	err = s.InTx(ctx, func(ctx context.Context, tx store.OrderTx) error {
		ok, err := tx.DecrementStock(ctx, 1)
		if err != nil {
			return err
		}
		if ok {
			return errors.New("decrement should fail at zero stock")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	// the unique index backs the in-transaction count check
	err = s.InTx(ctx, func(ctx context.Context, tx store.OrderTx) error {
		return tx.InsertOrder(ctx, &store.VoucherOrder{ID: 101, UserID: 7, VoucherID: 1})
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()
	_ = s.InsertSeckillVoucher(ctx, &store.SeckillVoucher{VoucherID: 2, Stock: 5, BeginTime: now, EndTime: now.Add(time.Hour)})
	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx store.OrderTx) error {
		if _, err := tx.DecrementStock(ctx, 2); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, _ := s.GetSeckillVoucher(ctx, 2)
	if v.Stock != 5 {
		t.Fatalf("expected rollback to keep stock 5, got %d", v.Stock)
	}
}

func TestOpenRejectsUnknownProvider(t *testing.T) {
	if _, err := Open(context.Background(), Options{Provider: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
