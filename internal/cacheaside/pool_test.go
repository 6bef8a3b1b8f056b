package cacheaside

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasksAndDrainsOnStop(t *testing.T) {
	p := NewPool(3, 16, nil)
	if p.Submit(func(context.Context) {}) {
		t.Fatal("submit before start must fail")
	}
	p.Start()
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if !p.Submit(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Fatalf("expected 10 tasks, got %d", got)
	}
	if p.Submit(func(context.Context) {}) {
		t.Fatal("submit after stop must fail")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p := NewPool(1, 1, nil)
	p.Start()
	defer p.Stop(context.Background())
	block := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		<-block
	})
	<-started
	if !p.Submit(func(context.Context) {}) {
		t.Fatal("queue slot should accept one task")
	}
	if p.Submit(func(context.Context) {}) {
		t.Fatal("full queue must reject")
	}
	close(block)
}

func TestPoolRecoversFromPanics(t *testing.T) {
	p := NewPool(1, 4, nil)
	p.Start()
	var ran atomic.Bool
	p.Submit(func(context.Context) { panic("boom") })
	p.Submit(func(context.Context) { ran.Store(true) })
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !ran.Load() {
		t.Fatal("worker should survive a panicking task")
	}
}
