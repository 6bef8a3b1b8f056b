// Package bunstore implements store.Store on a relational database through
// bun, with PostgreSQL for production and SQLite for development and tests.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/store"
)

// Provider names a supported database.
type Provider string

const (
	// Postgres uses lib/pq and the pg dialect.
	Postgres Provider = "postgres"
	// SQLite uses mattn/go-sqlite3 and the sqlite dialect.
	SQLite Provider = "sqlite"
)

// Options configures Open.
type Options struct {
	Provider        Provider
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          pslog.Logger
	// CreateSchema creates missing tables and indexes on open.
	CreateSchema bool
}

// Store is a bun backed store.Store.
type Store struct {
	db     *bun.DB
	logger pslog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to the database described by opts.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("bunstore: dsn required")
	}
	logger := loggingutil.WithSubsystem(opts.Logger, "store.sql")
	var db *bun.DB
	switch opts.Provider {
	case SQLite:
		dsn := opts.DSN
		if !isMemoryDSN(dsn) {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("bunstore: create database directory: %w", err)
			}
		}
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("bunstore: open sqlite: %w", err)
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY and keeps
		// shared in-memory databases alive
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	case Postgres:
		sqlDB, err := sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("bunstore: open postgres: %w", err)
		}
		configurePool(sqlDB, opts)
		db = bun.NewDB(sqlDB, pgdialect.New())
	default:
		return nil, fmt.Errorf("bunstore: unsupported provider %q", opts.Provider)
	}
	db.AddQueryHook(queryLogger{logger: logger})
	s := &Store{db: db, logger: logger}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bunstore: ping %s: %w", opts.Provider, err)
	}
	if opts.CreateSchema {
		if err := s.CreateSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	logger.Info("store.sql.open", "provider", string(opts.Provider))
	return s, nil
}

func configurePool(sqlDB *sql.DB, opts Options) {
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = runtime.NumCPU() * 4
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = runtime.NumCPU() * 2
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	lifetime := opts.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 10 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(lifetime)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}

// DB exposes the underlying handle.
func (s *Store) DB() *bun.DB { return s.db }

// CreateSchema creates the tables and the buyer/voucher unique index.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []any{
		(*store.Shop)(nil),
		(*store.ShopType)(nil),
		(*store.SeckillVoucher)(nil),
		(*store.VoucherOrder)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("bunstore: create table for %T: %w", model, err)
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*store.VoucherOrder)(nil)).
		Index("uk_voucher_order_user_voucher").
		Unique().
		IfNotExists().
		Column("user_id", "voucher_id").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bunstore: create order index: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// GetShop implements store.Shops.
func (s *Store) GetShop(ctx context.Context, id int64) (*store.Shop, error) {
	shop := new(store.Shop)
	if err := s.db.NewSelect().Model(shop).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, mapError(fmt.Sprintf("get shop %d", id), err)
	}
	return shop, nil
}

// InsertShop implements store.Shops.
func (s *Store) InsertShop(ctx context.Context, shop *store.Shop) error {
	if _, err := s.db.NewInsert().Model(shop).Exec(ctx); err != nil {
		return mapError("insert shop", err)
	}
	return nil
}

// UpdateShop implements store.Shops.
func (s *Store) UpdateShop(ctx context.Context, shop *store.Shop) error {
	shop.UpdateTime = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(shop).ExcludeColumn("create_time").WherePK().Exec(ctx)
	if err != nil {
		return mapError(fmt.Sprintf("update shop %d", shop.ID), err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update shop %d: %w", shop.ID, store.ErrNotFound)
	}
	return nil
}

// ListShopTypes implements store.Shops.
func (s *Store) ListShopTypes(ctx context.Context) ([]store.ShopType, error) {
	var types []store.ShopType
	if err := s.db.NewSelect().Model(&types).Order("sort ASC", "id ASC").Scan(ctx); err != nil {
		return nil, mapError("list shop types", err)
	}
	return types, nil
}

// InsertShopType implements store.Shops.
func (s *Store) InsertShopType(ctx context.Context, t *store.ShopType) error {
	if _, err := s.db.NewInsert().Model(t).Exec(ctx); err != nil {
		return mapError("insert shop type", err)
	}
	return nil
}

// GetSeckillVoucher implements store.Vouchers.
func (s *Store) GetSeckillVoucher(ctx context.Context, voucherID int64) (*store.SeckillVoucher, error) {
	v := new(store.SeckillVoucher)
	if err := s.db.NewSelect().Model(v).Where("voucher_id = ?", voucherID).Scan(ctx); err != nil {
		return nil, mapError(fmt.Sprintf("get seckill voucher %d", voucherID), err)
	}
	return v, nil
}

// InsertSeckillVoucher implements store.Vouchers.
func (s *Store) InsertSeckillVoucher(ctx context.Context, v *store.SeckillVoucher) error {
	if _, err := s.db.NewInsert().Model(v).Exec(ctx); err != nil {
		return mapError(fmt.Sprintf("insert seckill voucher %d", v.VoucherID), err)
	}
	return nil
}

// GetOrder implements store.Orders.
func (s *Store) GetOrder(ctx context.Context, id int64) (*store.VoucherOrder, error) {
	o := new(store.VoucherOrder)
	if err := s.db.NewSelect().Model(o).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, mapError(fmt.Sprintf("get order %d", id), err)
	}
	return o, nil
}

// InTx implements store.Orders.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.OrderTx) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, orderTx{tx: tx})
	})
}

type orderTx struct {
	tx bun.Tx
}

func (o orderTx) CountOrders(ctx context.Context, buyerID, voucherID int64) (int, error) {
	n, err := o.tx.NewSelect().
		Model((*store.VoucherOrder)(nil)).
		Where("user_id = ?", buyerID).
		Where("voucher_id = ?", voucherID).
		Count(ctx)
	if err != nil {
		return 0, mapError("count orders", err)
	}
	return n, nil
}

func (o orderTx) DecrementStock(ctx context.Context, voucherID int64) (bool, error) {
	res, err := o.tx.NewUpdate().
		Model((*store.SeckillVoucher)(nil)).
		Set("stock = stock - 1").
		Set("update_time = ?", time.Now().UTC()).
		Where("voucher_id = ?", voucherID).
		Where("stock > 0").
		Exec(ctx)
	if err != nil {
		return false, mapError(fmt.Sprintf("decrement stock %d", voucherID), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement stock %d: rows affected: %w", voucherID, err)
	}
	return n > 0, nil
}

func (o orderTx) InsertOrder(ctx context.Context, order *store.VoucherOrder) error {
	if order.Status == 0 {
		order.Status = store.OrderUnpaid
	}
	if order.PayType == 0 {
		order.PayType = 1
	}
	if _, err := o.tx.NewInsert().Model(order).Exec(ctx); err != nil {
		return mapError(fmt.Sprintf("insert order %d", order.ID), err)
	}
	return nil
}

// mapError turns driver errors into store sentinels.
func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w: %v", op, store.ErrDuplicate, err)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && (liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrDuplicate, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
