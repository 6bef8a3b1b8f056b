// Package memory provides an in-process store.Store used by tests and by the
// mem:// backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/voucherd/internal/store"
)

type orderKey struct {
	buyer   int64
	voucher int64
}

// Store keeps every record in maps guarded by one mutex. Order transactions
// hold the mutex for their whole duration, which makes them serialisable.
type Store struct {
	mu       sync.Mutex
	shops    map[int64]store.Shop
	types    map[int64]store.ShopType
	vouchers map[int64]store.SeckillVoucher
	orders   map[int64]store.VoucherOrder
	byBuyer  map[orderKey]int
	nextShop int64
	nextType int64
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		shops:    make(map[int64]store.Shop),
		types:    make(map[int64]store.ShopType),
		vouchers: make(map[int64]store.SeckillVoucher),
		orders:   make(map[int64]store.VoucherOrder),
		byBuyer:  make(map[orderKey]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ store.Store = (*Store)(nil)

// GetShop implements store.Shops.
func (s *Store) GetShop(_ context.Context, id int64) (*store.Shop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	shop, ok := s.shops[id]
	if !ok {
		return nil, fmt.Errorf("shop %d: %w", id, store.ErrNotFound)
	}
	return &shop, nil
}

// InsertShop implements store.Shops. A zero ID is assigned.
func (s *Store) InsertShop(_ context.Context, shop *store.Shop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if shop.ID == 0 {
		s.nextShop++
		shop.ID = s.nextShop
	} else if shop.ID > s.nextShop {
		s.nextShop = shop.ID
	}
	if _, exists := s.shops[shop.ID]; exists {
		return fmt.Errorf("shop %d: %w", shop.ID, store.ErrDuplicate)
	}
	now := s.now()
	shop.CreateTime, shop.UpdateTime = now, now
	s.shops[shop.ID] = *shop
	return nil
}

// UpdateShop implements store.Shops.
func (s *Store) UpdateShop(_ context.Context, shop *store.Shop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.shops[shop.ID]
	if !ok {
		return fmt.Errorf("shop %d: %w", shop.ID, store.ErrNotFound)
	}
	shop.CreateTime = current.CreateTime
	shop.UpdateTime = s.now()
	s.shops[shop.ID] = *shop
	return nil
}

// ListShopTypes implements store.Shops, ordered by Sort.
func (s *Store) ListShopTypes(_ context.Context) ([]store.ShopType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ShopType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sort != out[j].Sort {
			return out[i].Sort < out[j].Sort
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// InsertShopType implements store.Shops.
func (s *Store) InsertShopType(_ context.Context, t *store.ShopType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		s.nextType++
		t.ID = s.nextType
	} else if t.ID > s.nextType {
		s.nextType = t.ID
	}
	s.types[t.ID] = *t
	return nil
}

// GetSeckillVoucher implements store.Vouchers.
func (s *Store) GetSeckillVoucher(_ context.Context, voucherID int64) (*store.SeckillVoucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[voucherID]
	if !ok {
		return nil, fmt.Errorf("seckill voucher %d: %w", voucherID, store.ErrNotFound)
	}
	return &v, nil
}

// InsertSeckillVoucher implements store.Vouchers.
func (s *Store) InsertSeckillVoucher(_ context.Context, v *store.SeckillVoucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.vouchers[v.VoucherID]; exists {
		return fmt.Errorf("seckill voucher %d: %w", v.VoucherID, store.ErrDuplicate)
	}
	now := s.now()
	v.CreateTime, v.UpdateTime = now, now
	s.vouchers[v.VoucherID] = *v
	return nil
}

// GetOrder implements store.Orders.
func (s *Store) GetOrder(_ context.Context, id int64) (*store.VoucherOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

// InTx implements store.Orders. Writes are staged and applied only when fn
// succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, stock: make(map[int64]int64)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, delta := range tx.stock {
		v := s.vouchers[id]
		v.Stock += delta
		v.UpdateTime = s.now()
		s.vouchers[id] = v
	}
	for _, o := range tx.orders {
		s.orders[o.ID] = o
		s.byBuyer[orderKey{buyer: o.UserID, voucher: o.VoucherID}]++
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// OrderCount returns the number of committed orders for voucherID.
func (s *Store) OrderCount(voucherID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.VoucherID == voucherID {
			n++
		}
	}
	return n
}

type memTx struct {
	s      *Store
	stock  map[int64]int64
	orders []store.VoucherOrder
}

func (tx *memTx) CountOrders(_ context.Context, buyerID, voucherID int64) (int, error) {
	n := tx.s.byBuyer[orderKey{buyer: buyerID, voucher: voucherID}]
	for _, o := range tx.orders {
		if o.UserID == buyerID && o.VoucherID == voucherID {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) DecrementStock(_ context.Context, voucherID int64) (bool, error) {
	v, ok := tx.s.vouchers[voucherID]
	if !ok || v.Stock+tx.stock[voucherID] <= 0 {
		return false, nil
	}
	tx.stock[voucherID]--
	return true, nil
}

func (tx *memTx) InsertOrder(_ context.Context, order *store.VoucherOrder) error {
	if _, exists := tx.s.orders[order.ID]; exists {
		return fmt.Errorf("order %d: %w", order.ID, store.ErrDuplicate)
	}
	key := orderKey{buyer: order.UserID, voucher: order.VoucherID}
	if tx.s.byBuyer[key] > 0 {
		return fmt.Errorf("order for buyer %d voucher %d: %w", order.UserID, order.VoucherID, store.ErrDuplicate)
	}
	for _, staged := range tx.orders {
		if staged.UserID == order.UserID && staged.VoucherID == order.VoucherID {
			return fmt.Errorf("order for buyer %d voucher %d: %w", order.UserID, order.VoucherID, store.ErrDuplicate)
		}
	}
	if order.Status == 0 {
		order.Status = store.OrderUnpaid
	}
	if order.PayType == 0 {
		order.PayType = 1
	}
	now := tx.s.now()
	order.CreateTime, order.UpdateTime = now, now
	tx.orders = append(tx.orders, *order)
	return nil
}
