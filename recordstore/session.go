package recordstore

import (
	"context"
)

// Query describes one bounded read: a table, a conjunctive field-equality
// predicate, a deterministic order, and an optional window. Engines translate
// it to their own query language.
type Query struct {
	Table   string
	Where   Predicate
	OrderBy []string
	Limit   uint // 0 means no limit
	Offset  uint
}

// Session is the transactional session abstraction every repository operation
// runs against. One session is one transaction: the repository decides when to
// Commit or Rollback, the engine decides how.
//
// Implementations live in the postgresengine and memoryengine packages;
// concurrent callers are expected to use independent sessions.
type Session interface {
	// Select returns the rows matching the query as field maps, in query order.
	Select(ctx context.Context, query Query) ([]FieldMap, error)

	// Count returns the number of rows matching the query, ignoring any window.
	Count(ctx context.Context, query Query) (int64, error)

	// Fetch returns the row with the given primary key, ok=false when absent.
	Fetch(ctx context.Context, table string, key Key) (FieldMap, bool, error)

	// Insert persists a new row and returns it as stored, including
	// store-assigned fields such as a generated key and column defaults.
	Insert(ctx context.Context, table string, fields FieldMap) (FieldMap, error)

	// Update applies the set fields to the row with the given key and returns
	// the refreshed row. A vanished row fails with ErrNoRowsAffected joined in.
	Update(ctx context.Context, table string, key Key, set FieldMap) (FieldMap, error)

	// Delete removes the row with the given key; deleting an absent row is a
	// no-op.
	Delete(ctx context.Context, table string, key Key) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
