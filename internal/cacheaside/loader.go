package cacheaside

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/dlock"
	"pkt.systems/voucherd/internal/failure"
)

// FetchFunc loads a value from the backing store. found=false means the
// record does not exist, which is not an error.
type FetchFunc[K comparable, V any] func(ctx context.Context, id K) (v V, found bool, err error)

// LoaderConfig describes one cached record type.
type LoaderConfig[K comparable, V any] struct {
	// KeyPrefix is prepended to the id to form the cache key, e.g. "cache:shop:".
	KeyPrefix string
	// LockPrefix is prepended to the id to form the rebuild lock resource.
	// Defaults to KeyPrefix.
	LockPrefix string
	// TTL is the physical TTL for PassThrough and Mutex and the logical TTL
	// for LogicalExpire and Warm.
	TTL   time.Duration
	Codec Codec[V]
	Fetch FetchFunc[K, V]
}

// Loader is the typed read path for one record type.
type Loader[K comparable, V any] struct {
	engine     *Engine
	keyPrefix  string
	lockPrefix string
	ttl        time.Duration
	codec      Codec[V]
	fetch      FetchFunc[K, V]
}

// NewLoader binds cfg to e.
func NewLoader[K comparable, V any](e *Engine, cfg LoaderConfig[K, V]) (*Loader[K, V], error) {
	if e == nil {
		return nil, fmt.Errorf("cacheaside: engine required")
	}
	if cfg.KeyPrefix == "" {
		return nil, fmt.Errorf("cacheaside: key prefix required")
	}
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("cacheaside: fetch function required for %s", cfg.KeyPrefix)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cacheaside: ttl must be positive for %s", cfg.KeyPrefix)
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[V]{}
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = cfg.KeyPrefix
	}
	return &Loader[K, V]{
		engine:     e,
		keyPrefix:  cfg.KeyPrefix,
		lockPrefix: cfg.LockPrefix,
		ttl:        cfg.TTL,
		codec:      cfg.Codec,
		fetch:      cfg.Fetch,
	}, nil
}

// Key returns the cache key for id.
func (l *Loader[K, V]) Key(id K) string {
	return l.keyPrefix + fmt.Sprint(id)
}

func (l *Loader[K, V]) lockResource(id K) string {
	return l.lockPrefix + fmt.Sprint(id)
}

// Get dispatches to the read path named by s.
func (l *Loader[K, V]) Get(ctx context.Context, id K, s Strategy) (V, bool, error) {
	switch s {
	case StrategyMutex:
		return l.Mutex(ctx, id)
	case StrategyLogical:
		return l.LogicalExpire(ctx, id)
	default:
		return l.PassThrough(ctx, id)
	}
}

// PassThrough serves hits, short-circuits negative markers and on a miss
// fetches once, caching either the value or a negative marker.
func (l *Loader[K, V]) PassThrough(ctx context.Context, id K) (V, bool, error) {
	var zero V
	key := l.Key(id)
	v, hit, found, err := l.lookup(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if hit {
		l.engine.metrics.recordLookup(ctx, StrategyPassThrough, lookupResult(found))
		return v, found, nil
	}
	l.engine.metrics.recordLookup(ctx, StrategyPassThrough, "miss")
	return l.fetchAndStore(ctx, id, key)
}

// Mutex behaves like PassThrough but lets only the holder of the rebuild lock
// fetch. Losers pause and retry a bounded number of times, then fail with
// CoordinationUnavailable.
func (l *Loader[K, V]) Mutex(ctx context.Context, id K) (V, bool, error) {
	var zero V
	e := l.engine
	key := l.Key(id)
	resource := l.lockResource(id)
	for attempt := 1; ; attempt++ {
		v, hit, found, err := l.lookup(ctx, key)
		if err != nil {
			return zero, false, err
		}
		if hit {
			l.engine.metrics.recordLookup(ctx, StrategyMutex, lookupResult(found))
			return v, found, nil
		}
		handle, ok, err := e.locker.TryAcquire(ctx, resource, e.policy.LockTTL)
		if err != nil {
			return zero, false, err
		}
		if ok {
			l.engine.metrics.recordLookup(ctx, StrategyMutex, "miss")
			return l.rebuildLocked(ctx, id, key, handle)
		}
		if attempt >= e.policy.MaxAttempts {
			e.logger.Warn("cache.mutex.contended", "key", key, "attempts", attempt)
			return zero, false, failure.CoordinationUnavailable("rebuild of "+key+" stayed contended", nil)
		}
		if err := clock.Wait(ctx, e.clock, e.policy.RetryInterval); err != nil {
			return zero, false, err
		}
	}
}

func (l *Loader[K, V]) rebuildLocked(ctx context.Context, id K, key string, handle *dlock.Handle) (V, bool, error) {
	defer func() {
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			l.engine.logger.Warn("cache.mutex.release_failed", "key", key, "error", err)
		}
	}()
	// another holder may have finished the rebuild between our miss and our lock
	v, hit, found, err := l.lookup(ctx, key)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if hit {
		return v, found, nil
	}
	return l.fetchAndStore(ctx, id, key)
}

// LogicalExpire only serves pre-warmed keys: a miss is reported as not found
// without touching the backing store. A stale entry is returned immediately
// and the first caller to win the rebuild lock schedules a refresh on the
// rebuild pool.
func (l *Loader[K, V]) LogicalExpire(ctx context.Context, id K) (V, bool, error) {
	var zero V
	e := l.engine
	key := l.Key(id)
	entry, hit, err := l.lookupLogical(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !hit {
		e.metrics.recordLookup(ctx, StrategyLogical, "miss")
		return zero, false, nil
	}
	if !entry.stale(e.clock.Now()) {
		e.metrics.recordLookup(ctx, StrategyLogical, "hit")
		return entry.value, true, nil
	}
	e.metrics.recordLookup(ctx, StrategyLogical, "stale")
	l.scheduleRebuild(ctx, id, key)
	return entry.value, true, nil
}

func (l *Loader[K, V]) scheduleRebuild(ctx context.Context, id K, key string) {
	e := l.engine
	handle, ok, err := e.locker.TryAcquire(ctx, l.lockResource(id), e.policy.LockTTL)
	if err != nil {
		e.logger.Warn("cache.logical.lock_failed", "key", key, "error", err)
		return
	}
	if !ok {
		return
	}
	release := func(ctx context.Context) {
		if err := handle.Release(ctx); err != nil {
			e.logger.Warn("cache.logical.release_failed", "key", key, "error", err)
		}
	}
	// a rebuild may have landed between the stale read and the lock
	if entry, hit, err := l.lookupLogical(ctx, key); err == nil && hit && !entry.stale(e.clock.Now()) {
		release(ctx)
		return
	}
	submitted := e.pool != nil && e.pool.Submit(func(poolCtx context.Context) {
		taskCtx, cancel := context.WithTimeout(poolCtx, e.policy.LockTTL)
		defer cancel()
		defer release(context.WithoutCancel(taskCtx))
		if _, err := l.Warm(taskCtx, id); err != nil {
			e.metrics.recordRebuild(taskCtx, "failed")
			e.logger.Warn("cache.logical.rebuild_failed", "key", key, "error", err)
			return
		}
		e.metrics.recordRebuild(taskCtx, "completed")
	})
	if !submitted {
		e.metrics.recordRebuild(ctx, "dropped")
		e.logger.Warn("cache.logical.rebuild_dropped", "key", key)
		release(context.WithoutCancel(ctx))
		return
	}
	e.metrics.recordRebuild(ctx, "scheduled")
}

// Warm fetches id and stores it as a logical entry that expires TTL from now.
// A missing record deletes the entry. It reports whether the record exists.
func (l *Loader[K, V]) Warm(ctx context.Context, id K) (bool, error) {
	v, found, err := l.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, l.Invalidate(ctx, id)
	}
	return true, l.SetLogical(ctx, id, v, l.ttl)
}

// Set writes v with a physical TTL.
func (l *Loader[K, V]) Set(ctx context.Context, id K, v V, ttl time.Duration) error {
	payload, err := l.codec.Encode(v)
	if err != nil {
		return err
	}
	return l.engine.put(ctx, l.Key(id), payload, ttl)
}

// SetLogical writes v with a logical expiry of now+ttl and no physical TTL.
func (l *Loader[K, V]) SetLogical(ctx context.Context, id K, v V, ttl time.Duration) error {
	payload, err := l.codec.Encode(v)
	if err != nil {
		return err
	}
	env, err := encodeEnvelope(payload, l.engine.clock.Now().Add(ttl))
	if err != nil {
		return err
	}
	return l.engine.put(ctx, l.Key(id), env, 0)
}

// Invalidate deletes the entry for id. Writers call it after updating the
// backing store.
func (l *Loader[K, V]) Invalidate(ctx context.Context, id K) error {
	return l.engine.del(ctx, l.Key(id))
}

// lookup decodes a physical entry. hit=false is a miss; hit=true with
// found=false is a negative marker.
func (l *Loader[K, V]) lookup(ctx context.Context, key string) (v V, hit, found bool, err error) {
	payload, hit, err := l.engine.get(ctx, key)
	if err != nil || !hit {
		return v, false, false, err
	}
	if len(payload) == 0 {
		return v, true, false, nil
	}
	v, err = l.codec.Decode(payload)
	if err != nil {
		// an undecodable entry is treated as a miss and overwritten by the fetch
		l.engine.logger.Warn("cache.decode.failed", "key", key, "error", err)
		return v, false, false, nil
	}
	return v, true, true, nil
}

type logicalEntry[V any] struct {
	value    V
	expireAt time.Time
}

func (e logicalEntry[V]) stale(now time.Time) bool {
	return !e.expireAt.After(now)
}

func (l *Loader[K, V]) lookupLogical(ctx context.Context, key string) (logicalEntry[V], bool, error) {
	var entry logicalEntry[V]
	raw, hit, err := l.engine.get(ctx, key)
	if err != nil || !hit || len(raw) == 0 {
		return entry, false, err
	}
	payload, expireAt, err := decodeEnvelope(raw)
	if err != nil {
		l.engine.logger.Warn("cache.logical.envelope_invalid", "key", key, "error", err)
		return entry, false, nil
	}
	v, err := l.codec.Decode(payload)
	if err != nil {
		l.engine.logger.Warn("cache.decode.failed", "key", key, "error", err)
		return entry, false, nil
	}
	return logicalEntry[V]{value: v, expireAt: expireAt}, true, nil
}

func (l *Loader[K, V]) fetchAndStore(ctx context.Context, id K, key string) (V, bool, error) {
	v, found, err := l.load(ctx, id)
	if err != nil {
		return v, false, err
	}
	if !found {
		l.engine.putNegative(ctx, key)
		return v, false, nil
	}
	if err := l.Set(ctx, id, v, l.ttl); err != nil {
		l.engine.logger.Warn("cache.put.failed", "key", key, "error", err)
	}
	return v, true, nil
}

func (l *Loader[K, V]) load(ctx context.Context, id K) (V, bool, error) {
	ctx, span := l.engine.tracer.Start(ctx, "cacheaside.fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("voucherd.cache.prefix", l.keyPrefix),
			attribute.String("voucherd.cache.id", fmt.Sprint(id)),
		),
	)
	defer span.End()
	start := time.Now()
	v, found, err := l.fetch(ctx, id)
	l.engine.metrics.recordFetch(ctx, l.keyPrefix, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return v, false, err
	}
	span.SetAttributes(attribute.Bool("voucherd.cache.found", found))
	return v, found, nil
}

func lookupResult(found bool) string {
	if found {
		return "hit"
	}
	return "negative"
}

// logicalEnvelope is the stored form of a logically expiring entry. JSON
// payloads are embedded as-is so other readers of the store can inspect them;
// binary payloads (snappy) travel base64 encoded.
type logicalEnvelope struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Blob       []byte          `json:"blob,omitempty"`
	ExpireTime int64           `json:"expireTime"`
}

func encodeEnvelope(payload []byte, expireAt time.Time) ([]byte, error) {
	env := logicalEnvelope{ExpireTime: expireAt.UnixMilli()}
	if json.Valid(payload) {
		env.Data = payload
	} else {
		env.Blob = payload
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("cacheaside: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(raw []byte) ([]byte, time.Time, error) {
	var env logicalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, time.Time{}, fmt.Errorf("cacheaside: decode envelope: %w", err)
	}
	payload := []byte(env.Data)
	if len(env.Blob) > 0 {
		payload = env.Blob
	}
	if len(payload) == 0 {
		return nil, time.Time{}, fmt.Errorf("cacheaside: envelope without data")
	}
	return payload, time.UnixMilli(env.ExpireTime).UTC(), nil
}
