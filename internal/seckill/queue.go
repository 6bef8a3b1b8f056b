package seckill

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/voucherd/internal/coord"
)

// Queue defaults.
const (
	DefaultGroup    = "g1"
	DefaultConsumer = "c1"
)

// QueueConfig names the stream and the consumer group identity.
type QueueConfig struct {
	Stream   string
	Group    string
	Consumer string
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Stream == "" {
		c.Stream = coord.OrderStream
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConsumer
	}
	return c
}

// Queue is the durable at-least-once order queue. Entries stay in the group's
// pending list until acknowledged.
type Queue struct {
	client redis.UniversalClient
	cfg    QueueConfig
}

// NewQueue binds a queue to client.
func NewQueue(client redis.UniversalClient, cfg QueueConfig) *Queue {
	return &Queue{client: client, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (q *Queue) Config() QueueConfig { return q.cfg }

// EnsureGroup creates the stream and group when missing. The group starts at
// the beginning of the stream so tickets queued before the first consumer
// started are delivered.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return coord.Classify("create consumer group", err)
	}
	return nil
}

// ReadNew waits up to block for one never-delivered entry. It returns nil
// when nothing arrived.
func (q *Queue) ReadNew(ctx context.Context, block time.Duration) (*Delivery, error) {
	if block <= 0 {
		block = time.Millisecond
	}
	return q.read(ctx, ">", block)
}

// ReadPending returns the oldest entry delivered to this consumer but not yet
// acknowledged, or nil when the pending list is empty.
func (q *Queue) ReadPending(ctx context.Context) (*Delivery, error) {
	return q.read(ctx, "0", -1)
}

func (q *Queue) read(ctx context.Context, from string, block time.Duration) (*Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, from},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, coord.Classify("read order queue", err)
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return parseDelivery(msg.ID, msg.Values), nil
		}
	}
	return nil, nil
}

// Ack removes id from the pending list.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		return coord.Classify("ack "+id, err)
	}
	return nil
}

// PendingCount returns the number of delivered but unacknowledged entries.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	res, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, coord.Classify("pending count", err)
	}
	return res.Count, nil
}

// Len returns the number of entries in the stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, coord.Classify("stream length", err)
	}
	return n, nil
}

// DeadLetter copies d to the dead letter stream with reason and acknowledges
// it, atomically.
func (q *Queue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	values := make(map[string]any, len(d.Values)+2)
	for k, v := range d.Values {
		values[k] = v
	}
	values["sourceId"] = d.ID
	values["reason"] = reason
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: coord.DeadLetterStream(q.cfg.Stream), Values: values})
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return coord.Classify("dead letter "+d.ID, err)
	}
	return nil
}
