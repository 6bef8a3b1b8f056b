package seckill

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"pkt.systems/voucherd/internal/coord"
)

//go:embed gate.lua
var gateSource string

var gateScript = redis.NewScript(gateSource)

// Verdict is the result of one eligibility check.
type Verdict int

const (
	// Admitted means stock was reserved and a ticket was queued.
	Admitted Verdict = 0
	// OutOfStock means the provisional counter is zero or missing.
	OutOfStock Verdict = 1
	// DuplicateBuyer means the buyer was admitted before.
	DuplicateBuyer Verdict = 2
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case OutOfStock:
		return "out_of_stock"
	case DuplicateBuyer:
		return "duplicate"
	default:
		return "unknown(" + strconv.Itoa(int(v)) + ")"
	}
}

// Gate runs the atomic check-and-reserve script. Within one voucher the
// script linearises all admissions, so at most N buyers are admitted for a
// stock of N and no buyer is admitted twice.
type Gate struct {
	client redis.Scripter
	stream string
}

// NewGate returns a gate that appends admitted tickets to stream.
func NewGate(client redis.Scripter, stream string) *Gate {
	if stream == "" {
		stream = coord.OrderStream
	}
	return &Gate{client: client, stream: stream}
}

// Admit checks eligibility and, on success, reserves stock, records the buyer
// and queues the ticket, all in one atomic step.
func (g *Gate) Admit(ctx context.Context, voucherID, buyerID, orderID int64) (Verdict, error) {
	keys := []string{coord.StockKey(voucherID), coord.OrderSetKey(voucherID), g.stream}
	res, err := gateScript.Run(ctx, g.client, keys,
		strconv.FormatInt(voucherID, 10),
		strconv.FormatInt(buyerID, 10),
		strconv.FormatInt(orderID, 10),
	).Int()
	if err != nil {
		return 0, coord.Classify("seckill gate", err)
	}
	v := Verdict(res)
	switch v {
	case Admitted, OutOfStock, DuplicateBuyer:
		return v, nil
	default:
		return v, fmt.Errorf("seckill: gate returned unexpected verdict %d", res)
	}
}
