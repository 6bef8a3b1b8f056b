package seckill

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/loggingutil"
	"pkt.systems/voucherd/internal/store"
)

// Outcome is the terminal state of a materialisation attempt.
type Outcome string

const (
	// Committed means the order row exists and stock was decremented.
	Committed Outcome = "committed"
	// AbortedDuplicate means the buyer already owns an order for the voucher.
	AbortedDuplicate Outcome = "aborted_duplicate"
	// AbortedNoStock means the authoritative stock was already zero.
	AbortedNoStock Outcome = "aborted_no_stock"
)

// Aborted reports whether o is one of the abort outcomes.
func (o Outcome) Aborted() bool {
	return o == AbortedDuplicate || o == AbortedNoStock
}

var errAbort = errors.New("seckill: materialisation aborted")

// Materializer turns a ticket into an order inside one backing store
// transaction: count existing orders, conditionally decrement stock, insert.
type Materializer struct {
	orders store.Orders
	logger pslog.Logger
}

// NewMaterializer returns a Materializer writing through orders.
func NewMaterializer(orders store.Orders, logger pslog.Logger) *Materializer {
	return &Materializer{orders: orders, logger: loggingutil.WithSubsystem(logger, "seckill.materializer")}
}

// Materialize runs the order transaction for t. Abort outcomes roll back and
// are returned with a nil error; a non-nil error means the attempt should be
// retried.
//
// A ticket whose order id is already committed for the same buyer and voucher
// is a redelivery after a crash between commit and acknowledgement, and is
// reported as Committed again.
func (m *Materializer) Materialize(ctx context.Context, t Ticket) (Outcome, error) {
	existing, err := m.orders.GetOrder(ctx, t.OrderID)
	switch {
	case err == nil:
		if existing.UserID == t.BuyerID && existing.VoucherID == t.VoucherID {
			m.logger.Debug("seckill.materialize.replay", "order_id", t.OrderID)
			return Committed, nil
		}
		return "", fmt.Errorf("seckill: order id %d already used by buyer %d voucher %d", t.OrderID, existing.UserID, existing.VoucherID)
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("seckill: lookup order %d: %w", t.OrderID, err)
	}

	var outcome Outcome
	err = m.orders.InTx(ctx, func(ctx context.Context, tx store.OrderTx) error {
		n, err := tx.CountOrders(ctx, t.BuyerID, t.VoucherID)
		if err != nil {
			return err
		}
		if n > 0 {
			outcome = AbortedDuplicate
			return errAbort
		}
		ok, err := tx.DecrementStock(ctx, t.VoucherID)
		if err != nil {
			return err
		}
		if !ok {
			outcome = AbortedNoStock
			return errAbort
		}
		err = tx.InsertOrder(ctx, &store.VoucherOrder{
			ID:        t.OrderID,
			UserID:    t.BuyerID,
			VoucherID: t.VoucherID,
			Status:    store.OrderUnpaid,
		})
		if errors.Is(err, store.ErrDuplicate) {
			outcome = AbortedDuplicate
			return errAbort
		}
		if err != nil {
			return err
		}
		outcome = Committed
		return nil
	})
	if errors.Is(err, errAbort) {
		return outcome, nil
	}
	if err != nil {
		return "", fmt.Errorf("seckill: materialize order %d: %w", t.OrderID, err)
	}
	return outcome, nil
}
