// Package seckill implements the flash-sale pipeline: an atomic eligibility
// gate on the coordination store, a durable order queue on a Redis stream and
// a crash-recoverable consumer that materialises orders in the backing store.
package seckill

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ticket is an admitted purchase waiting to be materialised.
type Ticket struct {
	VoucherID int64
	BuyerID   int64
	OrderID   int64
	IssuedAt  time.Time
}

// Delivery is one stream entry read by the consumer.
type Delivery struct {
	ID     string
	Ticket Ticket
	// Err is set when the entry could not be parsed into a Ticket.
	Err    error
	Values map[string]any
}

func parseDelivery(id string, values map[string]any) *Delivery {
	d := &Delivery{ID: id, Values: values}
	t, err := parseTicket(values)
	if err != nil {
		d.Err = err
		return d
	}
	t.IssuedAt = streamIDTime(id)
	d.Ticket = t
	return d
}

func parseTicket(values map[string]any) (Ticket, error) {
	var t Ticket
	var err error
	if t.OrderID, err = intField(values, "orderId"); err != nil {
		return t, err
	}
	if t.BuyerID, err = intField(values, "buyerId"); err != nil {
		return t, err
	}
	if t.VoucherID, err = intField(values, "voucherId"); err != nil {
		return t, err
	}
	return t, nil
}

func intField(values map[string]any, name string) (int64, error) {
	raw, ok := values[name]
	if !ok || raw == nil {
		return 0, fmt.Errorf("seckill: ticket field %s missing", name)
	}
	n, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("seckill: ticket field %s: %w", name, err)
	}
	return n, nil
}

// streamIDTime extracts the millisecond timestamp of a stream entry id.
func streamIDTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
