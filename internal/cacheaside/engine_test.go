package cacheaside

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/dlock"
	"pkt.systems/voucherd/internal/failure"
)

type shopRow struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]shopRow
	delay   time.Duration
	hold    chan struct{}
	fetches atomic.Int32
	err     error
}

func (s *fakeStore) fetch(ctx context.Context, id int64) (shopRow, bool, error) {
	s.fetches.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return shopRow{}, false, s.err
	}
	row, ok := s.rows[id]
	return row, ok, nil
}

func (s *fakeStore) put(row shopRow) {
	s.mu.Lock()
	s.rows[row.ID] = row
	s.mu.Unlock()
}

type harness struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	clock  *clock.Manual
	pool   *Pool
	engine *Engine
	store  *fakeStore
	loader *Loader[int64, shopRow]
}

func newHarness(t *testing.T, policy Policy, codec Codec[shopRow]) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := &harness{
		mr:     mr,
		client: client,
		clock:  clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		pool:   NewPool(2, 8, nil),
		store:  &fakeStore{rows: map[int64]shopRow{1: {ID: 1, Name: "Tea House"}}},
	}
	h.pool.Start()
	t.Cleanup(func() { _ = h.pool.Stop(context.Background()) })
	// mutex retries must make progress while the manual clock stands still
	h.engine = NewEngine(client, dlock.NewLocker(client), h.pool, WithClock(clockWithRealSleep{h.clock}), WithPolicy(policy))
	loader, err := NewLoader(h.engine, LoaderConfig[int64, shopRow]{
		KeyPrefix:  "cache:shop:",
		LockPrefix: "shop:",
		TTL:        30 * time.Minute,
		Codec:      codec,
		Fetch:      h.store.fetch,
	})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	h.loader = loader
	return h
}

// clockWithRealSleep reads time from a manual clock but waits in real time.
type clockWithRealSleep struct{ *clock.Manual }

func (c clockWithRealSleep) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c clockWithRealSleep) Sleep(d time.Duration)                  { time.Sleep(d) }

func TestPassThroughCachesValueAndNegativeMarker(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := context.Background()

	v, found, err := h.loader.PassThrough(ctx, 1)
	if err != nil || !found || v.Name != "Tea House" {
		t.Fatalf("first read: v=%+v found=%v err=%v", v, found, err)
	}
	if _, found, _ = h.loader.PassThrough(ctx, 1); !found {
		t.Fatal("second read should hit")
	}
	if got := h.store.fetches.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
	if ttl := h.mr.TTL("cache:shop:1"); ttl != 30*time.Minute {
		t.Fatalf("expected 30m ttl, got %v", ttl)
	}

	for i := 0; i < 3; i++ {
		if _, found, err := h.loader.PassThrough(ctx, 99); err != nil || found {
			t.Fatalf("missing record: found=%v err=%v", found, err)
		}
	}
	if got := h.store.fetches.Load(); got != 2 {
		t.Fatalf("negative marker should absorb repeat misses, fetches=%d", got)
	}
	if raw, err := h.mr.Get("cache:shop:99"); err != nil || raw != "" {
		t.Fatalf("expected empty negative marker, got %q (%v)", raw, err)
	}
	if ttl := h.mr.TTL("cache:shop:99"); ttl != DefaultNullTTL {
		t.Fatalf("expected null ttl %v, got %v", DefaultNullTTL, ttl)
	}
}

func TestPassThroughPropagatesFetchError(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	h.store.err = errors.New("db down")
	if _, _, err := h.loader.PassThrough(context.Background(), 1); err == nil {
		t.Fatal("expected fetch error")
	}
	if h.mr.Exists("cache:shop:1") {
		t.Fatal("failed fetch must not populate the cache")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := context.Background()
	if _, _, err := h.loader.PassThrough(ctx, 1); err != nil {
		t.Fatalf("read: %v", err)
	}
	h.store.put(shopRow{ID: 1, Name: "Tea House II"})
	if err := h.loader.Invalidate(ctx, 1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	v, _, err := h.loader.PassThrough(ctx, 1)
	if err != nil || v.Name != "Tea House II" {
		t.Fatalf("expected refreshed value, got %+v (%v)", v, err)
	}
}

func TestMutexSingleFetchUnderConcurrency(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	h.store.delay = 150 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, found, err := h.loader.Mutex(ctx, 1)
			if err != nil {
				errs <- err
				return
			}
			if !found || v.Name != "Tea House" {
				errs <- errors.New("unexpected value")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reader failed: %v", err)
	}
	if got := h.store.fetches.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	if h.mr.Exists("lock:shop:1") {
		t.Fatal("rebuild lock should be released")
	}
}

func TestMutexCachesNegativeMarker(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := context.Background()
	if _, found, err := h.loader.Mutex(ctx, 42); err != nil || found {
		t.Fatalf("expected not found, found=%v err=%v", found, err)
	}
	if _, found, err := h.loader.Mutex(ctx, 42); err != nil || found {
		t.Fatalf("expected negative hit, found=%v err=%v", found, err)
	}
	if got := h.store.fetches.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestMutexGivesUpAfterBoundedAttempts(t *testing.T) {
	h := newHarness(t, Policy{RetryInterval: 5 * time.Millisecond, MaxAttempts: 3}, nil)
	// someone else holds the rebuild lock and never finishes
	if err := h.mr.Set("lock:shop:1", "foreign"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	_, _, err := h.loader.Mutex(context.Background(), 1)
	if !failure.Is(err, failure.CodeCoordinationUnavailable) {
		t.Fatalf("expected coordination_unavailable, got %v", err)
	}
	if got := h.store.fetches.Load(); got != 0 {
		t.Fatalf("loser must not fetch, got %d", got)
	}
}

func TestLogicalExpireMissDoesNotFetch(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	if _, found, err := h.loader.LogicalExpire(context.Background(), 1); err != nil || found {
		t.Fatalf("expected miss, found=%v err=%v", found, err)
	}
	if got := h.store.fetches.Load(); got != 0 {
		t.Fatalf("logical miss must not fetch, got %d", got)
	}
}

func TestLogicalExpireServesStaleAndRebuildsOnce(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := context.Background()
	if err := h.loader.SetLogical(ctx, 1, shopRow{ID: 1, Name: "old"}, 10*time.Second); err != nil {
		t.Fatalf("set logical: %v", err)
	}
	if ttl := h.mr.TTL("cache:shop:1"); ttl != 0 {
		t.Fatalf("logical entries must not carry a physical ttl, got %v", ttl)
	}

	v, found, err := h.loader.LogicalExpire(ctx, 1)
	if err != nil || !found || v.Name != "old" {
		t.Fatalf("fresh read: %+v %v %v", v, found, err)
	}

	h.store.put(shopRow{ID: 1, Name: "new"})
	// the rebuild fetch blocks until every reader has returned
	h.store.hold = make(chan struct{})
	h.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, found, err := h.loader.LogicalExpire(ctx, 1)
			if err != nil || !found || v.Name != "old" {
				t.Errorf("stale read: %+v %v %v", v, found, err)
			}
		}()
	}
	wg.Wait()
	close(h.store.hold)
	if err := h.pool.Stop(context.Background()); err != nil {
		t.Fatalf("stop pool: %v", err)
	}
	if got := h.store.fetches.Load(); got != 1 {
		t.Fatalf("expected exactly one rebuild fetch, got %d", got)
	}
	v, found, err = h.loader.LogicalExpire(ctx, 1)
	if err != nil || !found || v.Name != "new" {
		t.Fatalf("expected rebuilt value, got %+v %v %v", v, found, err)
	}
	if h.mr.Exists("lock:shop:1") {
		t.Fatal("rebuild lock should be released")
	}
}

func TestLogicalExpireDropsRebuildWhenPoolStopped(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := context.Background()
	if err := h.loader.SetLogical(ctx, 1, shopRow{ID: 1, Name: "old"}, time.Second); err != nil {
		t.Fatalf("set logical: %v", err)
	}
	_ = h.pool.Stop(ctx)
	h.clock.Advance(time.Minute)
	if v, found, err := h.loader.LogicalExpire(ctx, 1); err != nil || !found || v.Name != "old" {
		t.Fatalf("stale read: %+v %v %v", v, found, err)
	}
	if h.mr.Exists("lock:shop:1") {
		t.Fatal("lock must be released when the rebuild is dropped")
	}
}

func TestWarmDeletesMissingRecord(t *testing.T) {
	h := newHarness(t, Policy{}, nil)
	ctx := context.Background()
	if err := h.loader.SetLogical(ctx, 5, shopRow{ID: 5}, time.Minute); err != nil {
		t.Fatalf("set logical: %v", err)
	}
	found, err := h.loader.Warm(ctx, 5)
	if err != nil || found {
		t.Fatalf("warm: found=%v err=%v", found, err)
	}
	if h.mr.Exists("cache:shop:5") {
		t.Fatal("warm of a missing record should delete the entry")
	}
}

func TestSnappyCodecWithLogicalEnvelope(t *testing.T) {
	h := newHarness(t, Policy{}, SnappyCodec[shopRow]{})
	ctx := context.Background()
	if found, err := h.loader.Warm(ctx, 1); err != nil || !found {
		t.Fatalf("warm: %v %v", found, err)
	}
	v, found, err := h.loader.LogicalExpire(ctx, 1)
	if err != nil || !found || v.Name != "Tea House" {
		t.Fatalf("read: %+v %v %v", v, found, err)
	}
}

func TestOversizedPayloadIsNotCached(t *testing.T) {
	h := newHarness(t, Policy{MaxPayloadBytes: 8}, nil)
	v, found, err := h.loader.PassThrough(context.Background(), 1)
	if err != nil || !found || v.Name != "Tea House" {
		t.Fatalf("read: %+v %v %v", v, found, err)
	}
	if h.mr.Exists("cache:shop:1") {
		t.Fatal("oversized value must not be cached")
	}
}

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"passthrough", "mutex", "logical"} {
		if _, err := ParseStrategy(name); err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
	}
	if _, err := ParseStrategy("bloom"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	if p.MaxAttempts != int(DefaultLockTTL/DefaultRetryInterval) {
		t.Fatalf("unexpected max attempts %d", p.MaxAttempts)
	}
	if p.NullTTL != DefaultNullTTL {
		t.Fatalf("unexpected null ttl %v", p.NullTTL)
	}
}
