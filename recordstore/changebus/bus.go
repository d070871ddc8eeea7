package changebus

import (
	"errors"
	"slices"
	"sync"

	"github.com/recordstreams/recordstore-go/recordstore"
)

const defaultQueueCapacity = 64

const (
	logMsgSubscribed       = "subscription registered"
	logMsgUnsubscribed     = "subscription removed"
	logAttrTopic           = "topic"
	logAttrSubscriptionID  = "subscription_id"
	logAttrSubscriberCount = "subscriber_count"
)

// ErrInvalidQueueCapacity is returned when a non-positive queue capacity is
// configured.
var ErrInvalidQueueCapacity = errors.New("queue capacity must be positive")

// Bus is a process-wide change bus keyed by topic. It is safe for concurrent
// publish and subscribe/unsubscribe from many goroutines.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[recordstore.Topic][]*Subscription
	queueCapacity int
	logger        recordstore.Logger
}

// BusOption defines a functional option for configuring a Bus.
type BusOption func(*Bus) error

// WithQueueCapacity sets the per-subscription queue capacity. Once a
// subscriber falls that far behind, publishers to its topic block until it
// catches up or unsubscribes.
func WithQueueCapacity(capacity int) BusOption {
	return func(b *Bus) error {
		if capacity < 1 {
			return ErrInvalidQueueCapacity
		}

		b.queueCapacity = capacity

		return nil
	}
}

// WithLogger sets the logger for the Bus.
func WithLogger(logger recordstore.Logger) BusOption {
	return func(b *Bus) error {
		b.logger = logger
		return nil
	}
}

// New creates a Bus with optional configuration.
func New(options ...BusOption) (*Bus, error) {
	bus := &Bus{
		subscriptions: make(map[recordstore.Topic][]*Subscription),
		queueCapacity: defaultQueueCapacity,
	}

	for _, option := range options {
		if err := option(bus); err != nil {
			return nil, err
		}
	}

	return bus, nil
}

// Publish enqueues the event for every subscription currently registered on
// the topic. Events published from one goroutine arrive at each subscription
// in the order they were published; a full queue blocks until the subscriber
// drains it or closes. Publish never fails the caller.
func (b *Bus) Publish(topic recordstore.Topic, event recordstore.Event) {
	b.mu.RLock()
	subscribers := slices.Clone(b.subscriptions[topic])
	b.mu.RUnlock()

	for _, sub := range subscribers {
		sub.deliver(event)
	}
}

// Subscribe registers a new subscription on the topic and returns it
// immediately. Only events published after registration are delivered.
func (b *Bus) Subscribe(topic recordstore.Topic) *Subscription {
	sub := newSubscription(topic, b.queueCapacity)

	b.mu.Lock()
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)
	count := len(b.subscriptions[topic])
	b.mu.Unlock()

	if b.logger != nil {
		b.logger.Debug(logMsgSubscribed,
			logAttrTopic, string(topic),
			logAttrSubscriptionID, sub.ID().String(),
			logAttrSubscriberCount, count)
	}

	return sub
}

// Unsubscribe deregisters the subscription; further publishes on the topic do
// not reach it. It is safe to call multiple times and from deferred cleanup
// paths.
func (b *Bus) Unsubscribe(topic recordstore.Topic, sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	registered := b.subscriptions[topic]
	remaining := slices.DeleteFunc(registered, func(s *Subscription) bool {
		return s.ID() == sub.ID()
	})

	if len(remaining) == 0 {
		delete(b.subscriptions, topic)
	} else {
		b.subscriptions[topic] = remaining
	}

	count := len(remaining)
	removed := len(registered) != len(remaining)
	b.mu.Unlock()

	sub.close()

	if removed && b.logger != nil {
		b.logger.Debug(logMsgUnsubscribed,
			logAttrTopic, string(topic),
			logAttrSubscriptionID, sub.ID().String(),
			logAttrSubscriberCount, count)
	}
}

// SubscriberCount returns the number of subscriptions currently registered on
// the topic.
func (b *Bus) SubscriberCount(topic recordstore.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscriptions[topic])
}
