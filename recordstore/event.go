package recordstore

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// ErrUnknownEventType is returned when an Event is built with a type outside
// created/updated/deleted.
var ErrUnknownEventType = errors.New("unknown event type")

// ErrDataNotSerializable is returned when an Event's data cannot be encoded
// to JSON.
var ErrDataNotSerializable = errors.New("event data is not serializable")

// EventType discriminates the three mutations a repository can publish.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is the immutable value published on the change bus after a committed
// mutation. Data carries the entity's field snapshot at mutation time.
//
// The JSON field names are part of the wire contract and must not be renamed.
type Event struct {
	Type EventType `json:"type"`
	Data FieldMap  `json:"data"`
}

// BuildEvent is a factory method for Event.
//
// Returns an error if the event type is unknown or the data snapshot cannot
// be serialized, so that a malformed event is rejected before it reaches any
// subscriber.
func BuildEvent(eventType EventType, data FieldMap) (Event, error) {
	switch eventType {
	case EventCreated, EventUpdated, EventDeleted:
	default:
		return Event{}, ErrUnknownEventType
	}

	if _, marshalErr := jsoniter.ConfigFastest.Marshal(data); marshalErr != nil {
		return Event{}, errors.Join(ErrDataNotSerializable, marshalErr)
	}

	return Event{Type: eventType, Data: data}, nil
}

// EventPublisher is the part of the change bus a repository needs: fire and
// forget delivery of one event to a topic.
type EventPublisher interface {
	Publish(topic Topic, event Event)
}
