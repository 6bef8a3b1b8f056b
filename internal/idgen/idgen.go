// Package idgen generates cluster-wide unique, roughly time ordered 64-bit ids.
//
// An id is the number of seconds since a fixed epoch shifted left by 32 bits,
// OR'd with a per-key, per-day sequence taken from an atomic counter on the
// coordination store. Ids are strictly increasing for a key as long as the
// issuing hosts agree on the time.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/clock"
	"pkt.systems/voucherd/internal/coord"
	"pkt.systems/voucherd/internal/loggingutil"
)

// DefaultEpoch is 2022-01-01T00:00:00Z.
const DefaultEpoch int64 = 1640995200

// CountBits is the width of the sequence part.
const CountBits = 32

// counterRetention keeps a day bucket long enough to outlive clock skew around
// midnight.
const counterRetention = 48 * time.Hour

// ErrSequenceExhausted is returned when a key issued 2^32 ids within one day.
var ErrSequenceExhausted = errors.New("idgen: daily sequence exhausted")

// Generator issues ids.
type Generator struct {
	client redis.Cmdable
	clock  clock.Clock
	epoch  int64
	logger pslog.Logger
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// WithEpoch overrides the epoch, in unix seconds.
func WithEpoch(epoch int64) Option {
	return func(g *Generator) { g.epoch = epoch }
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// New returns a Generator bound to client.
func New(client redis.Cmdable, opts ...Option) *Generator {
	g := &Generator{client: client, epoch: DefaultEpoch}
	for _, opt := range opts {
		opt(g)
	}
	g.clock = clock.OrReal(g.clock)
	g.logger = loggingutil.WithSubsystem(g.logger, "coord.idgen")
	return g
}

// NextID returns the next id for logicalKey. It fails with
// CoordinationUnavailable when the counter cannot be incremented and never
// falls back to a local sequence.
func (g *Generator) NextID(ctx context.Context, logicalKey string) (int64, error) {
	if logicalKey == "" {
		return 0, errors.New("idgen: logical key required")
	}
	now := g.clock.Now().UTC()
	delta := now.Unix() - g.epoch
	if delta < 0 {
		return 0, fmt.Errorf("idgen: clock %s is before epoch %d", now.Format(time.RFC3339), g.epoch)
	}
	key := CounterKey(logicalKey, now)
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Warn("idgen.counter.error", "key", key, "error", err)
		return 0, coord.Classify("id counter "+key, err)
	}
	seq := incr.Val()
	if seq > math.MaxUint32 {
		g.logger.Error("idgen.sequence.exhausted", "key", key, "sequence", seq)
		return 0, fmt.Errorf("%w: key %s", ErrSequenceExhausted, key)
	}
	return delta<<CountBits | seq, nil
}

// CounterKey returns the counter key for logicalKey on the UTC day of t.
func CounterKey(logicalKey string, t time.Time) string {
	return coord.IDPrefix + logicalKey + ":" + t.UTC().Format("2006:01:02")
}

// Split decomposes an id into its timestamp and sequence.
func Split(id int64, epoch int64) (time.Time, int64) {
	seconds := id>>CountBits + epoch
	return time.Unix(seconds, 0).UTC(), id & math.MaxUint32
}
