// Package cacheaside implements a cache-aside read path over the coordination
// store that protects the backing store from penetration (negative markers),
// stampedes (mutex rebuild) and hot-key expiry (logical expiration with
// asynchronous rebuild).
package cacheaside

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/dlock"
	"pkt.systems/voucherd/internal/loggingutil"
)

const (
	// DefaultNullTTL is the lifetime of a negative marker.
	DefaultNullTTL = 2 * time.Minute
	// DefaultLockTTL bounds how long a rebuild may hold its lock.
	DefaultLockTTL = 10 * time.Second
	// DefaultRetryInterval is the pause between mutex rebuild attempts.
	DefaultRetryInterval = 50 * time.Millisecond
)

// Strategy selects how a Loader treats a miss.
type Strategy string

const (
	// StrategyPassThrough fetches on every miss and caches negative results.
	StrategyPassThrough Strategy = "passthrough"
	// StrategyMutex serialises rebuilds of one key behind a distributed lock.
	StrategyMutex Strategy = "mutex"
	// StrategyLogical serves stale values while one worker rebuilds them.
	StrategyLogical Strategy = "logical"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategyPassThrough, StrategyMutex, StrategyLogical:
		return s, nil
	default:
		return "", fmt.Errorf("cacheaside: unknown strategy %q (want passthrough, mutex or logical)", name)
	}
}

// Policy tunes the engine.
type Policy struct {
	NullTTL       time.Duration
	LockTTL       time.Duration
	RetryInterval time.Duration
	// MaxAttempts caps mutex rebuild attempts. Zero derives it from
	// LockTTL/RetryInterval so a waiter never outlives one lock holder.
	MaxAttempts int
	// MaxPayloadBytes skips caching values whose encoded form is larger.
	// Zero disables the check.
	MaxPayloadBytes int64
}

func (p Policy) withDefaults() Policy {
	if p.NullTTL <= 0 {
		p.NullTTL = DefaultNullTTL
	}
	if p.LockTTL <= 0 {
		p.LockTTL = DefaultLockTTL
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = int(p.LockTTL / p.RetryInterval)
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
	}
	return p
}

// Engine holds what every Loader shares.
type Engine struct {
	client  redis.UniversalClient
	locker  *dlock.Locker
	pool    *Pool
	clock   clock.Clock
	logger  pslog.Logger
	policy  Policy
	metrics *cacheMetrics
	tracer  trace.Tracer
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for logical expiry and retry pauses.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPolicy overrides the defaults.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// NewEngine wires an engine. The pool is owned by the caller, which starts and
// stops it.
func NewEngine(client redis.UniversalClient, locker *dlock.Locker, pool *Pool, opts ...Option) *Engine {
	e := &Engine{client: client, locker: locker, pool: pool}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = clock.OrReal(e.clock)
	e.logger = loggingutil.WithSubsystem(e.logger, "cache.engine")
	e.policy = e.policy.withDefaults()
	e.metrics = newCacheMetrics(e.logger, pool)
	e.tracer = otel.Tracer("pkt.systems/voucherd/cacheaside")
	return e
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy { return e.policy }

// get returns (payload, true) on a hit, including a negative hit with an empty
// payload, and (nil, false) on a miss.
func (e *Engine) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := e.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coord.Classify("cache get "+key, err)
	}
	return data, true, nil
}

func (e *Engine) put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if e.policy.MaxPayloadBytes > 0 && int64(len(payload)) > e.policy.MaxPayloadBytes {
		e.metrics.recordSkip(ctx)
		e.logger.Warn("cache.put.oversized", "key", key, "bytes", len(payload), "limit", e.policy.MaxPayloadBytes)
		return nil
	}
	if err := e.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return coord.Classify("cache set "+key, err)
	}
	return nil
}

func (e *Engine) putNegative(ctx context.Context, key string) {
	if err := e.client.Set(ctx, key, "", e.policy.NullTTL).Err(); err != nil {
		e.logger.Warn("cache.negative.write_failed", "key", key, "error", err)
	}
}

func (e *Engine) del(ctx context.Context, key string) error {
	if err := e.client.Del(ctx, key).Err(); err != nil {
		return coord.Classify("cache delete "+key, err)
	}
	return nil
}
