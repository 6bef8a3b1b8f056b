// Package store defines the narrow backing store contract the cache engine
// and the seckill pipeline depend on, together with the persisted records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate indicates a uniqueness constraint rejected a write.
	ErrDuplicate = errors.New("store: duplicate")
)

// Shop is a merchant listing.
type Shop struct {
	bun.BaseModel `bun:"table:tb_shop" json:"-"`

	ID         int64     `bun:"id,pk,autoincrement" json:"id"`
	Name       string    `bun:"name,notnull" json:"name"`
	TypeID     int64     `bun:"type_id" json:"typeId"`
	Images     string    `bun:"images" json:"images"`
	Area       string    `bun:"area" json:"area"`
	Address    string    `bun:"address" json:"address"`
	X          float64   `bun:"x" json:"x"`
	Y          float64   `bun:"y" json:"y"`
	AvgPrice   int64     `bun:"avg_price" json:"avgPrice"`
	Sold       int64     `bun:"sold" json:"sold"`
	Comments   int64     `bun:"comments" json:"comments"`
	Score      int64     `bun:"score" json:"score"`
	OpenHours  string    `bun:"open_hours" json:"openHours"`
	CreateTime time.Time `bun:"create_time,nullzero,notnull,default:current_timestamp" json:"createTime"`
	UpdateTime time.Time `bun:"update_time,nullzero,notnull,default:current_timestamp" json:"updateTime"`
}

// ShopType is a shop category shown on the landing page.
type ShopType struct {
	bun.BaseModel `bun:"table:tb_shop_type" json:"-"`

	ID   int64  `bun:"id,pk,autoincrement" json:"id"`
	Name string `bun:"name,notnull" json:"name"`
	Icon string `bun:"icon" json:"icon"`
	Sort int    `bun:"sort" json:"sort"`
}

// SeckillVoucher is the authoritative inventory of a flash-sale voucher.
type SeckillVoucher struct {
	bun.BaseModel `bun:"table:tb_seckill_voucher" json:"-"`

	VoucherID  int64     `bun:"voucher_id,pk" json:"voucherId"`
	Stock      int64     `bun:"stock,notnull" json:"stock"`
	BeginTime  time.Time `bun:"begin_time,notnull" json:"beginTime"`
	EndTime    time.Time `bun:"end_time,notnull" json:"endTime"`
	CreateTime time.Time `bun:"create_time,nullzero,notnull,default:current_timestamp" json:"createTime"`
	UpdateTime time.Time `bun:"update_time,nullzero,notnull,default:current_timestamp" json:"updateTime"`
}

// Open reports whether the sale window contains t. Both ends are inclusive.
func (v *SeckillVoucher) Open(t time.Time) bool {
	return !t.Before(v.BeginTime) && !t.After(v.EndTime)
}

// VoucherOrder is a materialised seckill purchase. (UserID, VoucherID) is
// unique.
type VoucherOrder struct {
	bun.BaseModel `bun:"table:tb_voucher_order" json:"-"`

	ID         int64     `bun:"id,pk" json:"id"`
	UserID     int64     `bun:"user_id,notnull" json:"userId"`
	VoucherID  int64     `bun:"voucher_id,notnull" json:"voucherId"`
	PayType    int       `bun:"pay_type,notnull,default:1" json:"payType"`
	Status     int       `bun:"status,notnull,default:1" json:"status"`
	CreateTime time.Time `bun:"create_time,nullzero,notnull,default:current_timestamp" json:"createTime"`
	UpdateTime time.Time `bun:"update_time,nullzero,notnull,default:current_timestamp" json:"updateTime"`
}

// Order status values.
const (
	OrderUnpaid = 1
	OrderPaid   = 2
)

// Shops reads and writes shop records.
type Shops interface {
	GetShop(ctx context.Context, id int64) (*Shop, error)
	InsertShop(ctx context.Context, shop *Shop) error
	UpdateShop(ctx context.Context, shop *Shop) error
	ListShopTypes(ctx context.Context) ([]ShopType, error)
	InsertShopType(ctx context.Context, t *ShopType) error
}

// Vouchers reads and writes seckill inventory.
type Vouchers interface {
	GetSeckillVoucher(ctx context.Context, voucherID int64) (*SeckillVoucher, error)
	InsertSeckillVoucher(ctx context.Context, v *SeckillVoucher) error
}

// OrderTx is the view of the store inside an order transaction.
type OrderTx interface {
	CountOrders(ctx context.Context, buyerID, voucherID int64) (int, error)
	// DecrementStock lowers stock by one if it is positive and reports whether
	// a row changed.
	DecrementStock(ctx context.Context, voucherID int64) (bool, error)
	InsertOrder(ctx context.Context, order *VoucherOrder) error
}

// Orders reads orders and runs order transactions.
type Orders interface {
	GetOrder(ctx context.Context, id int64) (*VoucherOrder, error)
	// InTx runs fn in a transaction that commits when fn returns nil and rolls
	// back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx OrderTx) error) error
}

// Store is the full backing store.
type Store interface {
	Shops
	Vouchers
	Orders
	Close() error
}
