package memoryengine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/recordstreams/recordstore-go/recordstore"
)

// ErrDuplicateValue is returned when an insert or update violates a
// configured unique-column constraint.
var ErrDuplicateValue = errors.New("duplicate value for unique column")

type tableState = map[string][]recordstore.FieldMap

// Engine holds the shared in-memory state all sessions of one store operate
// on. It is safe for concurrent sessions; each session works on its own clone
// until commit.
type Engine struct {
	mu      sync.Mutex
	tables  tableState
	autoKey map[string]string
	unique  map[string][]string
	nextID  map[string]int64
}

// EngineOption defines a functional option for configuring an Engine.
type EngineOption func(*Engine) error

// WithAutoKey declares a serial integer column for the table; inserts that do
// not carry it get the next value assigned, mirroring a store-generated
// primary key.
func WithAutoKey(table string, column string) EngineOption {
	return func(e *Engine) error {
		if table == "" {
			return recordstore.ErrEmptyTableName
		}

		e.autoKey[table] = column

		return nil
	}
}

// WithUniqueColumn declares a unique constraint on one column of the table,
// enforced on insert and update like a store-side uniqueness violation.
func WithUniqueColumn(table string, column string) EngineOption {
	return func(e *Engine) error {
		if table == "" {
			return recordstore.ErrEmptyTableName
		}

		e.unique[table] = append(e.unique[table], column)

		return nil
	}
}

// NewEngine creates an empty in-memory engine with optional configuration.
func NewEngine(options ...EngineOption) (*Engine, error) {
	engine := &Engine{
		tables:  make(tableState),
		autoKey: make(map[string]string),
		unique:  make(map[string][]string),
		nextID:  make(map[string]int64),
	}

	for _, option := range options {
		if err := option(engine); err != nil {
			return nil, err
		}
	}

	return engine, nil
}

// Begin opens a new session on a clone of the current state.
func (e *Engine) Begin() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &Session{engine: e, staged: cloneTables(e.tables)}
}

// Rows returns a snapshot of the committed rows of one table, for
// inspection in tests.
func (e *Engine) Rows(table string) []recordstore.FieldMap {
	e.mu.Lock()
	defer e.mu.Unlock()

	return cloneRows(e.tables[table])
}

// Session is one in-memory transaction. It stays usable after Commit and
// Rollback, starting the next unit of work from the then-current state, the
// way repository operations chain commits on one session.
type Session struct {
	engine *Engine
	staged tableState
}

var _ recordstore.Session = (*Session)(nil)

// Select returns the staged rows matching the query in query order.
func (s *Session) Select(_ context.Context, query recordstore.Query) ([]recordstore.FieldMap, error) {
	matched := make([]recordstore.FieldMap, 0)

	for _, row := range s.staged[query.Table] {
		if query.Where.Matches(row) {
			matched = append(matched, row)
		}
	}

	sortRows(matched, query.OrderBy)

	if query.Offset > 0 {
		if query.Offset >= uint(len(matched)) {
			matched = nil
		} else {
			matched = matched[query.Offset:]
		}
	}

	if query.Limit > 0 && uint(len(matched)) > query.Limit {
		matched = matched[:query.Limit]
	}

	return cloneRows(matched), nil
}

// Count returns the number of staged rows matching the query, ignoring any
// window.
func (s *Session) Count(_ context.Context, query recordstore.Query) (int64, error) {
	var total int64

	for _, row := range s.staged[query.Table] {
		if query.Where.Matches(row) {
			total++
		}
	}

	return total, nil
}

// Fetch returns the staged row with the given key, ok=false when absent.
func (s *Session) Fetch(_ context.Context, table string, key recordstore.Key) (recordstore.FieldMap, bool, error) {
	pred := key.Predicate()

	for _, row := range s.staged[table] {
		if pred.Matches(row) {
			return maps.Clone(row), true, nil
		}
	}

	return nil, false, nil
}

// Insert stages a new row, assigning the table's serial column when
// configured and absent, and returns the row as stored.
func (s *Session) Insert(_ context.Context, table string, fields recordstore.FieldMap) (recordstore.FieldMap, error) {
	row := maps.Clone(fields)

	if column, ok := s.engine.autoKey[table]; ok {
		if _, assigned := row[column]; !assigned {
			row[column] = s.engine.nextSerial(table)
		}
	}

	if err := s.checkUnique(table, row, -1); err != nil {
		return nil, err
	}

	s.staged[table] = append(s.staged[table], row)

	return maps.Clone(row), nil
}

// Update applies the set fields to the staged row with the given key and
// returns the refreshed row.
func (s *Session) Update(_ context.Context, table string, key recordstore.Key, set recordstore.FieldMap) (recordstore.FieldMap, error) {
	pred := key.Predicate()

	for i, row := range s.staged[table] {
		if !pred.Matches(row) {
			continue
		}

		updated := maps.Clone(row)
		maps.Copy(updated, set)

		if err := s.checkUnique(table, updated, i); err != nil {
			return nil, err
		}

		s.staged[table][i] = updated

		return maps.Clone(updated), nil
	}

	return nil, recordstore.ErrNoRowsAffected
}

// Delete removes the staged row with the given key; absent rows are a no-op.
func (s *Session) Delete(_ context.Context, table string, key recordstore.Key) error {
	pred := key.Predicate()

	s.staged[table] = slices.DeleteFunc(s.staged[table], func(row recordstore.FieldMap) bool {
		return pred.Matches(row)
	})

	return nil
}

// Commit swaps the staged state into the engine and keeps working on a fresh
// clone of it.
func (s *Session) Commit(_ context.Context) error {
	s.engine.mu.Lock()
	s.engine.tables = cloneTables(s.staged)
	s.engine.mu.Unlock()

	return nil
}

// Rollback discards the staged state and re-clones the engine's committed
// state.
func (s *Session) Rollback(_ context.Context) error {
	s.engine.mu.Lock()
	s.staged = cloneTables(s.engine.tables)
	s.engine.mu.Unlock()

	return nil
}

func (s *Session) checkUnique(table string, candidate recordstore.FieldMap, skipIndex int) error {
	for _, column := range s.engine.unique[table] {
		val, ok := candidate[column]
		if !ok || val == nil {
			continue
		}

		for i, row := range s.staged[table] {
			if i == skipIndex {
				continue
			}

			if existing, exists := row[column]; exists && compareValues(existing, val) == 0 {
				return fmt.Errorf("%w: %s=%v", ErrDuplicateValue, column, val)
			}
		}
	}

	return nil
}

func (e *Engine) nextSerial(table string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID[table]++

	return e.nextID[table]
}

func cloneTables(tables tableState) tableState {
	cloned := make(tableState, len(tables))

	for table, rows := range tables {
		cloned[table] = cloneRows(rows)
	}

	return cloned
}

func cloneRows(rows []recordstore.FieldMap) []recordstore.FieldMap {
	cloned := make([]recordstore.FieldMap, len(rows))

	for i, row := range rows {
		cloned[i] = maps.Clone(row)
	}

	return cloned
}

func sortRows(rows []recordstore.FieldMap, orderBy []string) {
	if len(orderBy) == 0 {
		return
	}

	slices.SortStableFunc(rows, func(a, b recordstore.FieldMap) int {
		for _, column := range orderBy {
			if cmp := compareValues(a[column], b[column]); cmp != 0 {
				return cmp
			}
		}

		return 0
	})
}

func compareValues(a any, b any) int {
	aNum, aOK := numeric(a)
	bNum, bOK := numeric(b)

	if aOK && bOK {
		switch {
		case aNum < bNum:
			return -1
		case aNum > bNum:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
