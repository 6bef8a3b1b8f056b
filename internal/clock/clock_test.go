package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/voucherd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceWakesDueWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", got)
	}
	m.Advance(2 * time.Second)
	select {
	case fired := <-short:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", got)
	}
}

func TestManualSetMovesBackwards(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Set(start.Add(-time.Hour))
	if got := m.Now(); !got.Equal(start.Add(-time.Hour)) {
		t.Fatalf("expected clock to move back, got %v", got)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clock.Wait(ctx, m, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := clock.Wait(context.Background(), clock.Real{}, time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
