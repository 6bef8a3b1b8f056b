package events

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan OrderEvent, 1)
	if err := bus.Subscribe(ctx, TopicCommitted, func(_ context.Context, ev OrderEvent) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := OrderEvent{OrderID: 1, BuyerID: 2, VoucherID: 3, Outcome: "committed", At: time.Unix(1700000000, 0).UTC()}
	if err := bus.Publish(ctx, TopicCommitted, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev.OrderID != want.OrderID || ev.Outcome != want.Outcome || !ev.At.Equal(want.At) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan OrderEvent, 1)
	if err := bus.Subscribe(ctx, TopicAborted, func(_ context.Context, ev OrderEvent) { got <- ev }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, TopicCommitted, OrderEvent{OrderID: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected delivery %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeRequiresHandler(t *testing.T) {
	bus := NewBus(0, nil)
	defer bus.Close()
	if err := bus.Subscribe(context.Background(), TopicCommitted, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}
