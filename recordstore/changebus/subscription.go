package changebus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/recordstreams/recordstore-go/recordstore"
)

// ErrSubscriptionClosed is returned from Receive once the subscription has
// been removed from the bus.
var ErrSubscriptionClosed = errors.New("subscription is closed")

// Subscription is a handle bound to one topic, holding the internal delivery
// queue. It is created by Bus.Subscribe and destroyed by Bus.Unsubscribe.
type Subscription struct {
	id        uuid.UUID
	topic     recordstore.Topic
	queue     chan recordstore.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(topic recordstore.Topic, queueCapacity int) *Subscription {
	return &Subscription{
		id:    uuid.New(),
		topic: topic,
		queue: make(chan recordstore.Event, queueCapacity),
		done:  make(chan struct{}),
	}
}

// ID returns the unique identity of this subscription.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Topic returns the topic this subscription is bound to.
func (s *Subscription) Topic() recordstore.Topic {
	return s.topic
}

// Receive blocks until an event arrives for this subscription and returns it.
// The wait is cancellable through the context; once the subscription is
// closed, events already queued are still drained before
// ErrSubscriptionClosed is reported.
func (s *Subscription) Receive(ctx context.Context) (recordstore.Event, error) {
	var empty recordstore.Event

	select {
	case event := <-s.queue:
		return event, nil
	default:
	}

	select {
	case event := <-s.queue:
		return event, nil
	case <-s.done:
		// Late events may have raced the close; prefer them over the error.
		select {
		case event := <-s.queue:
			return event, nil
		default:
			return empty, ErrSubscriptionClosed
		}
	case <-ctx.Done():
		return empty, ctx.Err()
	}
}

// deliver enqueues the event, blocking when the queue is full, and gives up
// once the subscription is closed.
func (s *Subscription) deliver(event recordstore.Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- event:
	case <-s.done:
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
