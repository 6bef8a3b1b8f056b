// Package dlock implements a best-effort distributed mutual exclusion lock on
// the coordination store.
//
// A lock is a single key holding the holder token, written with SET NX PX.
// Acquisition never blocks or retries and release only deletes the key when
// the caller still owns it.
package dlock

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/loggingutil"
)

//go:embed release.lua
var releaseSource string

var releaseScript = redis.NewScript(releaseSource)

// Locker hands out locks under the "lock:" key prefix.
type Locker struct {
	client  redis.UniversalClient
	prefix  string
	logger  pslog.Logger
	metrics *lockMetrics
}

// Option customises a Locker.
type Option func(*Locker)

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// WithInstanceID overrides the holder prefix. Tests use it to simulate two
// processes sharing one Redis.
func WithInstanceID(id string) Option {
	return func(l *Locker) {
		if id != "" {
			l.prefix = id
		}
	}
}

// NewLocker returns a Locker bound to client. Every Locker gets its own
// instance id so tokens never collide across processes.
func NewLocker(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: uuid.Must(uuid.NewV7()).String(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = loggingutil.WithSubsystem(l.logger, "coord.lock")
	l.metrics = newLockMetrics(l.logger)
	return l
}

// InstanceID returns the holder prefix used in tokens.
func (l *Locker) InstanceID() string { return l.prefix }

// Handle is an acquired lock.
type Handle struct {
	locker   *Locker
	resource string
	key      string
	token    string
	ttl      time.Duration
}

// Resource returns the resource name the handle locks.
func (h *Handle) Resource() string { return h.resource }

// Token returns the holder token stored under the lock key.
func (h *Handle) Token() string { return h.token }

// TTL returns the expiry the lock was taken with.
func (h *Handle) TTL() time.Duration { return h.ttl }

// TryAcquire takes the lock on resource for ttl. It returns (nil, false, nil)
// when another holder owns the lock. Errors only signal that the coordination
// store could not be reached.
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Handle, bool, error) {
	if resource == "" {
		return nil, false, errors.New("dlock: resource required")
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("dlock: ttl must be positive, got %s", ttl)
	}
	key := coord.LockPrefix + resource
	token := l.prefix + "-" + xid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.metrics.recordAcquire(ctx, "error")
		l.logger.Warn("lock.acquire.error", "resource", resource, "error", err)
		return nil, false, coord.Classify("acquire lock "+resource, err)
	}
	if !ok {
		l.metrics.recordAcquire(ctx, "contended")
		l.logger.Trace("lock.acquire.contended", "resource", resource)
		return nil, false, nil
	}
	l.metrics.recordAcquire(ctx, "acquired")
	l.logger.Trace("lock.acquire.ok", "resource", resource, "token", token, "ttl", ttl)
	return &Handle{locker: l, resource: resource, key: key, token: token, ttl: ttl}, true, nil
}

// Release deletes the lock if h still owns it. Releasing a lock that expired
// and was taken by someone else is a no-op. Release on a nil handle is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	l := h.locker
	deleted, err := releaseScript.Run(ctx, l.client, []string{h.key}, h.token).Int()
	if err != nil {
		l.metrics.recordRelease(ctx, "error")
		l.logger.Warn("lock.release.error", "resource", h.resource, "error", err)
		return coord.Classify("release lock "+h.resource, err)
	}
	if deleted == 0 {
		l.metrics.recordRelease(ctx, "lost")
		l.logger.Debug("lock.release.not_owner", "resource", h.resource, "token", h.token)
		return nil
	}
	l.metrics.recordRelease(ctx, "released")
	l.logger.Trace("lock.release.ok", "resource", h.resource)
	return nil
}

// Holder returns the token currently stored for resource, or "" when the lock
// is free.
func (l *Locker) Holder(ctx context.Context, resource string) (string, error) {
	token, err := l.client.Get(ctx, coord.LockPrefix+resource).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", coord.Classify("inspect lock "+resource, err)
	}
	return token, nil
}
