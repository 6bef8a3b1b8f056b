package cacheaside

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/loggingutil"
)

// DefaultPoolWorkers is the number of rebuild workers.
const DefaultPoolWorkers = 10

// DefaultPoolQueue is the number of rebuilds that may wait for a worker.
const DefaultPoolQueue = 256

// Task is a unit of background work.
type Task func(ctx context.Context)

// Pool runs cache rebuilds on a fixed set of workers. It must be started
// before use and stopped on shutdown.
type Pool struct {
	workers int
	logger  pslog.Logger

	mu      sync.RWMutex
	queue   chan Task
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queued  atomic.Int64
	running atomic.Int64
}

// NewPool returns an unstarted pool.
func NewPool(workers, queueSize int, logger pslog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultPoolWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultPoolQueue
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		logger:  loggingutil.WithSubsystem(logger, "cache.rebuild"),
	}
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	p.logger.Debug("cache.rebuild.pool.started", "workers", p.workers, "queue", cap(p.queue))
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.queued.Add(-1)
		p.running.Add(1)
		p.run(id, task)
		p.running.Add(-1)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("cache.rebuild.panic", "worker", id, "panic", r)
		}
	}()
	task(p.ctx)
}

// Submit queues task without blocking. It returns false when the pool is not
// running or the queue is full.
func (p *Pool) Submit(task Task) bool {
	if task == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started || p.stopped {
		return false
	}
	p.queued.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.queued.Add(-1)
		return false
	}
}

// Stop stops accepting work, lets queued tasks finish and waits for the
// workers. When ctx ends first the task context is cancelled and ctx.Err is
// returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()
	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Debug("cache.rebuild.pool.stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return errors.Join(errors.New("cacheaside: rebuild pool stop interrupted"), ctx.Err())
	}
}

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int64 { return p.queued.Load() }

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int64 { return p.running.Load() }
