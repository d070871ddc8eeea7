package recordstore

import (
	"maps"
	"strings"
	"sync"
)

// FieldMap is the scalar representation of an entity: column name to value.
// Repositories convert between FieldMap and the concrete entity type through
// the Metadata functions, keeping the persistence layer agnostic of the
// client's domain types.
type FieldMap = map[string]any

// Topic is the name of a change-bus channel. Every entity kind publishes to
// exactly one Topic, derived from the case-normalized kind name.
type Topic string

// Key identifies one row: primary-key column name to value. Single and
// composite keys use the same shape.
type Key map[string]any

// IsSet reports whether every key column carries a non-nil value.
func (k Key) IsSet() bool {
	if len(k) == 0 {
		return false
	}

	for _, val := range k {
		if val == nil {
			return false
		}
	}

	return true
}

// Predicate converts the key into a field-equality predicate.
func (k Key) Predicate() Predicate {
	conditions := make([]FieldCondition, 0, len(k))
	for col, val := range k {
		conditions = append(conditions, P(col, val))
	}

	return Where(conditions...)
}

// Kind is the static identity of an entity type: its name, the table it is
// persisted in, and the Topic its change events are published on.
//
// It should only be constructed with BuildKind so the topic derivation stays
// uniform across the codebase.
type Kind struct {
	name  string
	table string
	topic Topic
}

// BuildKind is a factory method for Kind. The topic is the lower-cased kind
// name, which is also the wire-visible channel name.
func BuildKind(name string, table string) (Kind, error) {
	if name == "" {
		return Kind{}, ErrEmptyKindName
	}

	if table == "" {
		return Kind{}, ErrEmptyTableName
	}

	return Kind{
		name:  name,
		table: table,
		topic: Topic(strings.ToLower(name)),
	}, nil
}

func (k Kind) Name() string {
	return k.name
}

func (k Kind) Table() string {
	return k.table
}

func (k Kind) Topic() Topic {
	return k.topic
}

// KindRegistry maps kind names to their Kind, guarding against two entity
// types claiming the same topic.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[Topic]Kind
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[Topic]Kind)}
}

// Register adds a kind to the registry. It fails with ErrDuplicateKind when
// another kind already owns the same topic.
func (r *KindRegistry) Register(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[kind.Topic()]; exists {
		return ErrDuplicateKind
	}

	r.kinds[kind.Topic()] = kind

	return nil
}

// Lookup returns the kind registered for the given topic.
func (r *KindRegistry) Lookup(topic Topic) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, ok := r.kinds[topic]

	return kind, ok
}

// MergeFields copies source and lays overrides on top. Neither input is
// modified; a nil source with nil overrides yields an empty map.
func MergeFields(source FieldMap, overrides FieldMap) FieldMap {
	merged := make(FieldMap, len(source)+len(overrides))
	maps.Copy(merged, source)
	maps.Copy(merged, overrides)

	return merged
}
