package livestream

import (
	"context"
	"errors"
	"sync"

	"github.com/recordstreams/recordstore-go/recordstore"
	"github.com/recordstreams/recordstore-go/recordstore/changebus"
)

// ErrStreamClosed is returned from Next once the stream has been closed.
var ErrStreamClosed = errors.New("stream is closed")

var ErrNilBus = errors.New("nil bus supplied")
var ErrNilSnapshotter = errors.New("nil snapshotter supplied")

// Snapshotter reads the current field maps matching a predicate in one
// consistent query. recordstore.Repository implements it.
type Snapshotter interface {
	SnapshotFields(ctx context.Context, sess recordstore.Session, pred recordstore.Predicate) ([]recordstore.FieldMap, error)
}

// phase is the consumer-visible lifecycle of a stream.
type phase int

const (
	phaseInit phase = iota
	phaseSnapshotting
	phaseTailing
	phaseClosed
)

// Stream is a lazy, unbounded sequence of change events: first one synthetic
// created event per entity in the snapshot, then live events from the bus,
// both filtered by the same field-equality predicate. It is infinite and not
// restartable; Next must be called from a single consumer goroutine and the
// stream must be closed when iteration ends, normally via defer. Close may be
// called from any goroutine, including while the consumer is blocked in Next.
type Stream struct {
	bus    *changebus.Bus
	topic  recordstore.Topic
	source Snapshotter
	sess   recordstore.Session
	pred   recordstore.Predicate

	// mu guards phase, pending and sub against Close racing the consumer.
	mu       sync.Mutex
	phase    phase
	pending  []recordstore.Event
	sub      *changebus.Subscription
	tearOnce sync.Once
}

// StreamOption defines a functional option for configuring a Stream.
type StreamOption func(*Stream) error

// WithPredicate filters both the snapshot and the live tail: snapshot rows
// and live events whose data does not match every condition are skipped
// silently.
func WithPredicate(pred recordstore.Predicate) StreamOption {
	return func(s *Stream) error {
		s.pred = pred
		return nil
	}
}

// Open creates a Stream over the given topic. The snapshot is read lazily on
// the first Next call through the supplied session; the bus subscription is
// registered only once the snapshot is fully consumed, so events published
// while snapshotting are not replayed.
func Open(bus *changebus.Bus, topic recordstore.Topic, source Snapshotter, sess recordstore.Session, options ...StreamOption) (*Stream, error) {
	if bus == nil {
		return nil, ErrNilBus
	}

	if source == nil {
		return nil, ErrNilSnapshotter
	}

	if sess == nil {
		return nil, recordstore.ErrNilSession
	}

	stream := &Stream{
		bus:    bus,
		topic:  topic,
		source: source,
		sess:   sess,
		phase:  phaseInit,
	}

	for _, option := range options {
		if err := option(stream); err != nil {
			return nil, err
		}
	}

	return stream, nil
}

// Next returns the next event of the sequence, blocking while tailing until
// one arrives. Canceling the context returns its error; the caller is still
// responsible for Close, which is safe from any state.
func (s *Stream) Next(ctx context.Context) (recordstore.Event, error) {
	var empty recordstore.Event

	for {
		switch s.currentPhase() {
		case phaseInit:
			if err := s.takeSnapshot(ctx); err != nil {
				return empty, err
			}

		case phaseSnapshotting:
			event, ok := s.popPendingOrSubscribe()
			if !ok {
				continue
			}

			return event, nil

		case phaseTailing:
			sub := s.subscription()
			if sub == nil {
				// Close raced in before the subscription was taken.
				return empty, ErrStreamClosed
			}

			event, receiveErr := sub.Receive(ctx)
			if receiveErr != nil {
				if errors.Is(receiveErr, changebus.ErrSubscriptionClosed) {
					s.markClosed()
					return empty, ErrStreamClosed
				}

				return empty, receiveErr
			}

			if !s.pred.IsEmpty() && !s.pred.Matches(event.Data) {
				continue
			}

			return event, nil

		case phaseClosed:
			return empty, ErrStreamClosed
		}
	}
}

// takeSnapshot materializes the snapshot as synthetic created events and
// moves the stream into the snapshotting phase, unless Close won the race
// while the query was running.
func (s *Stream) takeSnapshot(ctx context.Context) error {
	rows, snapshotErr := s.source.SnapshotFields(ctx, s.sess, s.pred)
	if snapshotErr != nil {
		return snapshotErr
	}

	events := make([]recordstore.Event, 0, len(rows))

	for _, row := range rows {
		event, buildErr := recordstore.BuildEvent(recordstore.EventCreated, row)
		if buildErr != nil {
			return buildErr
		}

		events = append(events, event)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseInit {
		s.pending = events
		s.phase = phaseSnapshotting
	}

	return nil
}

// popPendingOrSubscribe yields the next snapshot event, or registers the tail
// subscription once the snapshot is drained. A false ok sends the caller back
// through the phase dispatch.
func (s *Stream) popPendingOrSubscribe() (recordstore.Event, bool) {
	var empty recordstore.Event

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseSnapshotting {
		return empty, false
	}

	if len(s.pending) > 0 {
		event := s.pending[0]
		s.pending = s.pending[1:]

		return event, true
	}

	s.sub = s.bus.Subscribe(s.topic)
	s.phase = phaseTailing

	return empty, false
}

func (s *Stream) currentPhase() phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

func (s *Stream) subscription() *changebus.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sub
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = phaseClosed
}

// Close ends the sequence and removes the subscription from the bus exactly
// once. It must run whenever iteration ends, including early termination and
// abnormal exits, and is safe to call repeatedly and from other goroutines;
// a consumer blocked in Next is woken with ErrStreamClosed. Closing before
// the snapshot is drained also prevents the tail subscription from ever being
// registered.
func (s *Stream) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.phase = phaseClosed
	s.pending = nil
	s.mu.Unlock()

	s.tearOnce.Do(func() {
		if sub != nil {
			s.bus.Unsubscribe(s.topic, sub)
		}
	})

	return nil
}
