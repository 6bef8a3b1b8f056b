// Package events carries order outcome notifications from the seckill
// consumer to in-process observers over a watermill publisher.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"pkt.systems/pslog"
	"pkt.systems/voucherd/internal/loggingutil"
)

const (
	// TopicCommitted receives one event per materialised order.
	TopicCommitted = "orders.committed"
	// TopicAborted receives one event per admitted ticket the backing store
	// refused.
	TopicAborted = "orders.aborted"
	// TopicDeadLettered receives tickets moved to the dead letter stream.
	TopicDeadLettered = "orders.dead_lettered"
)

// DefaultBuffer is the per-subscriber channel buffer.
const DefaultBuffer = 256

// OrderEvent describes what happened to one ticket.
type OrderEvent struct {
	OrderID   int64     `json:"orderId"`
	BuyerID   int64     `json:"buyerId"`
	VoucherID int64     `json:"voucherId"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Bus publishes and fans out OrderEvents.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger pslog.Logger
}

// NewBus returns an in-process bus. Slow subscribers back up into their own
// buffer; publishing never waits for them.
func NewBus(buffer int, logger pslog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	logger = loggingutil.WithSubsystem(logger, "events")
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(buffer),
			Persistent:          false,
		}, NewWatermillLogger(logger)),
		logger: logger,
	}
}

// Publish sends ev to topic.
func (b *Bus) Publish(ctx context.Context, topic string, ev OrderEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	msg := message.NewMessageWithContext(ctx, watermill.NewUUID(), payload)
	msg.Metadata.Set("outcome", ev.Outcome)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe calls handler for every event on topic until ctx ends or the bus
// is closed. Events that fail to decode are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler func(context.Context, OrderEvent)) error {
	if handler == nil {
		return errors.New("events: handler required")
	}
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", topic, err)
	}
	go func() {
		for msg := range msgs {
			var ev OrderEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("events.decode_failed", "topic", topic, "uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			handler(msg.Context(), ev)
			msg.Ack()
		}
	}()
	return nil
}

// Close stops delivery to every subscriber.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
