// Package coord owns the connection to the coordination store (Redis) and the
// key layout every component shares.
package coord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/voucherd/internal/failure"
)

// Options configures the Redis client.
type Options struct {
	URL          string
	PoolSize     int
	MaxRetries   int
	PoolTimeout  time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// PingTimeout bounds the connectivity check in Open. Zero skips the ping.
	PingTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.PoolSize == 0 {
		o.PoolSize = 10
	}
	if o.PoolTimeout == 0 {
		o.PoolTimeout = 30 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// Open parses opts.URL (redis:// or rediss://), builds a client and, when a
// ping timeout is set, verifies connectivity.
func Open(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.URL == "" {
		return nil, errors.New("coord: redis url required")
	}
	opts.applyDefaults()
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("coord: invalid redis url: %w", err)
	}
	parsed.MaxRetries = opts.MaxRetries
	parsed.PoolSize = opts.PoolSize
	parsed.PoolTimeout = opts.PoolTimeout
	parsed.DialTimeout = opts.DialTimeout
	parsed.ReadTimeout = opts.ReadTimeout
	parsed.WriteTimeout = opts.WriteTimeout
	client := redis.NewClient(parsed)
	if opts.PingTimeout <= 0 {
		return client, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, failure.CoordinationUnavailable(fmt.Sprintf("ping %s", parsed.Addr), err)
	}
	return client, nil
}

// Classify turns a Redis error into a CoordinationUnavailable failure.
// redis.Nil and nil pass through unchanged; callers treat redis.Nil as a miss.
// Error replies from a reachable server (WRONGTYPE, script errors) are not
// transient and come back as plain errors.
func Classify(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	var f *failure.Failure
	if errors.As(err, &f) {
		return err
	}
	var reply redis.Error
	if errors.As(err, &reply) && !IsUnavailable(err) {
		return fmt.Errorf("coord: %s: %w", op, err)
	}
	return failure.CoordinationUnavailable(op, err)
}

// IsUnavailable reports whether err looks like a transport level failure
// rather than a command error returned by the server.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return failure.Is(err, failure.CodeCoordinationUnavailable)
}
