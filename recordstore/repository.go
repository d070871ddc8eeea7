package recordstore

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	logMsgRollbackFailed   = "failed to roll back session after write failure"
	logMsgPublishFailed    = "failed to publish change event"
	logMsgBuildEventFailed = "failed to build change event"
	logMsgOperation        = "repository operation: "
	logAttrError           = "error"
	logAttrKind            = "kind"
	logAttrTopic           = "topic"
	logAttrEventType       = "event_type"
	logAttrDurationMS      = "duration_ms"
	logAttrRowCount        = "row_count"

	metricOperationDuration = "recordstore_operation_duration_seconds"
	metricOperationErrors   = "recordstore_operation_errors_total"
	labelOperation          = "operation"
	labelKind               = "kind"

	opCreate   = "create"
	opSave     = "save"
	opUpdate   = "update"
	opDelete   = "delete"
	opPaginate = "paginate"
)

// RelatedDeleter is the part of a repository a Relation needs to cascade into
// child rows. Repository implements it, so relations are wired by pointing at
// the child type's repository.
type RelatedDeleter interface {
	DeleteMatching(ctx context.Context, sess Session, pred Predicate) (int, error)
}

// Relation declares a link from an entity kind to related rows of another
// kind, together with its delete policy. ByOwner maps the owner's current
// fields to the predicate selecting the related rows, typically the foreign
// key equality.
type Relation struct {
	Name    string
	Cascade bool
	Related RelatedDeleter
	ByOwner func(owner FieldMap) Predicate
}

// Metadata is the static per-type description a Repository is built from.
// It replaces runtime reflection: primary-key extraction, field conversion
// and the relationship list are supplied once per concrete entity type.
//
//   - KeyColumns name the primary-key columns, also used as the deterministic
//     read order.
//   - KeyOf extracts the primary key of an instance; unassigned key columns
//     map to nil.
//   - FieldsOf converts an instance to its persisted field map; key columns
//     not yet assigned by the store map to nil.
//   - Decode converts a field map into an instance and is expected to reject
//     unknown fields and wrong value shapes.
type Metadata[E any] struct {
	Kind       Kind
	KeyColumns []string
	KeyOf      func(E) Key
	FieldsOf   func(E) FieldMap
	Decode     func(FieldMap) (E, error)
	Relations  []Relation
}

// Repository provides the persistence and change-notification operations for
// one entity kind. All operations run against a caller-supplied Session; the
// repository commits or rolls back, the session's engine does the rest.
type Repository[E any] struct {
	meta             Metadata[E]
	publisher        EventPublisher
	logger           Logger
	contextualLogger ContextualLogger
	metricsCollector MetricsCollector
}

// Option defines a functional option for configuring a Repository.
type Option[E any] func(*Repository[E]) error

// WithPublisher sets the change bus the repository publishes mutation events
// to. Without a publisher, mutations work but nothing is notified.
func WithPublisher[E any](publisher EventPublisher) Option[E] {
	return func(r *Repository[E]) error {
		r.publisher = publisher
		return nil
	}
}

// WithLogger sets the logger for the Repository.
func WithLogger[E any](logger Logger) Option[E] {
	return func(r *Repository[E]) error {
		r.logger = logger
		return nil
	}
}

// WithContextualLogger sets the context-aware logger for the Repository.
// When both loggers are configured, the contextual one wins.
func WithContextualLogger[E any](logger ContextualLogger) Option[E] {
	return func(r *Repository[E]) error {
		r.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Repository. The collector
// receives operation durations and error counts labelled by operation and
// kind.
func WithMetrics[E any](collector MetricsCollector) Option[E] {
	return func(r *Repository[E]) error {
		r.metricsCollector = collector
		return nil
	}
}

// NewRepository creates a Repository for one entity kind from its Metadata
// with optional configuration.
func NewRepository[E any](meta Metadata[E], options ...Option[E]) (*Repository[E], error) {
	if meta.Kind.Name() == "" {
		return nil, ErrEmptyKindName
	}

	if len(meta.KeyColumns) == 0 || meta.KeyOf == nil || meta.FieldsOf == nil || meta.Decode == nil {
		return nil, ErrIncompleteMetadata
	}

	repo := &Repository[E]{meta: meta}

	for _, option := range options {
		if err := option(repo); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

// Kind returns the entity kind this repository serves.
func (r *Repository[E]) Kind() Kind {
	return r.meta.Kind
}

/***** read operations *****/

// First returns the first entity of the kind in key order, ok=false when the
// table is empty.
func (r *Repository[E]) First(ctx context.Context, sess Session) (E, bool, error) {
	return r.firstWhere(ctx, sess, Predicate{})
}

// FirstMatching returns the first entity matching the predicate, ok=false
// when nothing matches.
func (r *Repository[E]) FirstMatching(ctx context.Context, sess Session, pred Predicate) (E, bool, error) {
	return r.firstWhere(ctx, sess, pred)
}

// OneMatching returns the entity matching the predicate, ok=false when
// nothing matches. Multiple matches are not an error; the first in key order
// is returned.
func (r *Repository[E]) OneMatching(ctx context.Context, sess Session, pred Predicate) (E, bool, error) {
	return r.firstWhere(ctx, sess, pred)
}

func (r *Repository[E]) firstWhere(ctx context.Context, sess Session, pred Predicate) (E, bool, error) {
	var empty E

	rows, selectErr := sess.Select(ctx, r.boundedQuery(pred, 1, 0))
	if selectErr != nil {
		return empty, false, errors.Join(ErrQueryFailed, selectErr)
	}

	if len(rows) == 0 {
		return empty, false, nil
	}

	entity, decodeErr := r.decodeRow(rows[0])
	if decodeErr != nil {
		return empty, false, decodeErr
	}

	return entity, true, nil
}

// ByKey returns the entity with the given primary key, ok=false when absent.
func (r *Repository[E]) ByKey(ctx context.Context, sess Session, key Key) (E, bool, error) {
	var empty E

	fields, found, fetchErr := sess.Fetch(ctx, r.meta.Kind.Table(), key)
	if fetchErr != nil {
		return empty, false, errors.Join(ErrQueryFailed, fetchErr)
	}

	if !found {
		return empty, false, nil
	}

	entity, decodeErr := r.decodeRow(fields)
	if decodeErr != nil {
		return empty, false, decodeErr
	}

	return entity, true, nil
}

// All returns every entity of the kind in key order.
func (r *Repository[E]) All(ctx context.Context, sess Session) ([]E, error) {
	return r.AllMatching(ctx, sess, Predicate{})
}

// AllMatching returns every entity matching the predicate, an empty slice
// when nothing matches.
func (r *Repository[E]) AllMatching(ctx context.Context, sess Session, pred Predicate) ([]E, error) {
	rows, selectErr := sess.Select(ctx, r.boundedQuery(pred, 0, 0))
	if selectErr != nil {
		return nil, errors.Join(ErrQueryFailed, selectErr)
	}

	return r.decodeRows(rows)
}

// SnapshotFields returns the field maps of every entity matching the
// predicate, read in one consistent query. It feeds the snapshot phase of a
// livestream.
func (r *Repository[E]) SnapshotFields(ctx context.Context, sess Session, pred Predicate) ([]FieldMap, error) {
	rows, selectErr := sess.Select(ctx, r.boundedQuery(pred, 0, 0))
	if selectErr != nil {
		return nil, errors.Join(ErrQueryFailed, selectErr)
	}

	return rows, nil
}

// Count returns the total number of rows of the kind.
func (r *Repository[E]) Count(ctx context.Context, sess Session) (int64, error) {
	return r.CountMatching(ctx, sess, Predicate{})
}

// CountMatching returns the number of rows matching the predicate.
func (r *Repository[E]) CountMatching(ctx context.Context, sess Session, pred Predicate) (int64, error) {
	total, countErr := sess.Count(ctx, Query{Table: r.meta.Kind.Table(), Where: pred})
	if countErr != nil {
		return 0, errors.Join(ErrQueryFailed, countErr)
	}

	return total, nil
}

// Paginate returns page (1-indexed) of size perPage for the entities matching
// the predicate, applying the predicate identically to the bounded item fetch
// and the count. Total and TotalPage are recomputed on every call.
func (r *Repository[E]) Paginate(ctx context.Context, sess Session, pred Predicate, page int, perPage int) (PaginatedList[E], error) {
	var empty PaginatedList[E]
	start := time.Now()

	if page < 1 || perPage < 1 {
		return empty, errors.Join(ErrInvalidArgument, errors.New("page and perPage must be positive"))
	}

	offset := uint(page-1) * uint(perPage)

	rows, selectErr := sess.Select(ctx, r.boundedQuery(pred, uint(perPage), offset))
	if selectErr != nil {
		return empty, errors.Join(ErrQueryFailed, selectErr)
	}

	items, decodeErr := r.decodeRows(rows)
	if decodeErr != nil {
		return empty, decodeErr
	}

	total, countErr := sess.Count(ctx, Query{Table: r.meta.Kind.Table(), Where: pred})
	if countErr != nil {
		return empty, errors.Join(ErrQueryFailed, countErr)
	}

	r.logOperation(ctx, opPaginate, logAttrRowCount, len(items), logAttrDurationMS, durationToMilliseconds(time.Since(start)))

	return PaginatedList[E]{
		Items:      items,
		Pagination: buildPagination(page, perPage, total),
	}, nil
}

/***** write operations *****/

// Create builds a new entity from source merged with overrides, persists it,
// commits, publishes a created event carrying the stored row (including
// store-assigned fields), and returns the saved instance.
func (r *Repository[E]) Create(ctx context.Context, sess Session, source FieldMap, overrides FieldMap) (E, error) {
	var empty E
	start := time.Now()

	entity, decodeErr := r.meta.Decode(MergeFields(source, overrides))
	if decodeErr != nil {
		return empty, errors.Join(ErrValidation, decodeErr)
	}

	stored, insertErr := sess.Insert(ctx, r.meta.Kind.Table(), withoutNilFields(r.meta.FieldsOf(entity)))
	if insertErr != nil {
		return empty, r.failWrite(ctx, sess, opCreate, start, insertErr)
	}

	if commitErr := sess.Commit(ctx); commitErr != nil {
		return empty, r.failWrite(ctx, sess, opCreate, start, commitErr)
	}

	saved, savedErr := r.decodeRow(stored)
	if savedErr != nil {
		return empty, savedErr
	}

	r.publishChange(ctx, EventCreated, stored)
	r.observe(opCreate, start, nil)

	return saved, nil
}

// CreateOrUpdate creates the entity when the merged source carries no primary
// key, and otherwise updates the existing row under that key. When the key is
// present but no row exists, it returns ok=false without creating anything
// under the caller-supplied key.
func (r *Repository[E]) CreateOrUpdate(ctx context.Context, sess Session, source FieldMap, overrides FieldMap) (E, bool, error) {
	var empty E

	merged := MergeFields(source, overrides)

	entity, decodeErr := r.meta.Decode(merged)
	if decodeErr != nil {
		return empty, false, errors.Join(ErrValidation, decodeErr)
	}

	key := r.meta.KeyOf(entity)
	if !key.IsSet() {
		created, createErr := r.Create(ctx, sess, source, overrides)
		if createErr != nil {
			return empty, false, createErr
		}

		return created, true, nil
	}

	existing, found, fetchErr := r.ByKey(ctx, sess, key)
	if fetchErr != nil {
		return empty, false, fetchErr
	}

	if !found {
		return empty, false, nil
	}

	updated, updateErr := r.Update(ctx, sess, existing, merged)
	if updateErr != nil {
		return empty, false, updateErr
	}

	return updated, true, nil
}

// Save persists the entity's current in-memory state to its row within the
// active session and returns the refreshed instance. It publishes nothing;
// Update builds the partial-update-and-notify contract on top of it. After a
// failed save the session has been rolled back and the instance must not be
// assumed store-consistent.
func (r *Repository[E]) Save(ctx context.Context, sess Session, entity E) (E, error) {
	var empty E
	start := time.Now()

	key := r.meta.KeyOf(entity)
	if !key.IsSet() {
		return empty, errors.Join(ErrInvalidArgument, errors.New("entity has no primary key"))
	}

	changes := r.withoutKeyColumns(r.meta.FieldsOf(entity))

	stored, saveErr := sess.Update(ctx, r.meta.Kind.Table(), key, changes)
	if saveErr != nil {
		return empty, r.failWrite(ctx, sess, opSave, start, saveErr)
	}

	if commitErr := sess.Commit(ctx); commitErr != nil {
		return empty, r.failWrite(ctx, sess, opSave, start, commitErr)
	}

	saved, savedErr := r.decodeRow(stored)
	if savedErr != nil {
		return empty, savedErr
	}

	r.observe(opSave, start, nil)

	return saved, nil
}

// Update merges only the explicitly supplied fields of set into the entity's
// row, persists the change, commits, publishes an updated event carrying the
// refreshed row, and returns the refreshed instance. Key columns in set are
// ignored: a primary key, once assigned, is immutable.
func (r *Repository[E]) Update(ctx context.Context, sess Session, entity E, set FieldMap) (E, error) {
	var empty E
	start := time.Now()

	key := r.meta.KeyOf(entity)
	if !key.IsSet() {
		return empty, errors.Join(ErrInvalidArgument, errors.New("entity has no primary key"))
	}

	changes := r.withoutKeyColumns(set)

	var stored FieldMap

	if len(changes) == 0 {
		fields, found, fetchErr := sess.Fetch(ctx, r.meta.Kind.Table(), key)
		if fetchErr != nil {
			return empty, r.failWrite(ctx, sess, opUpdate, start, fetchErr)
		}

		if !found {
			return empty, r.failWrite(ctx, sess, opUpdate, start, ErrNoRowsAffected)
		}

		stored = fields
	} else {
		fields, updateErr := sess.Update(ctx, r.meta.Kind.Table(), key, changes)
		if updateErr != nil {
			return empty, r.failWrite(ctx, sess, opUpdate, start, updateErr)
		}

		stored = fields
	}

	if commitErr := sess.Commit(ctx); commitErr != nil {
		return empty, r.failWrite(ctx, sess, opUpdate, start, commitErr)
	}

	updated, updatedErr := r.decodeRow(stored)
	if updatedErr != nil {
		return empty, updatedErr
	}

	r.publishChange(ctx, EventUpdated, stored)
	r.observe(opUpdate, start, nil)

	return updated, nil
}

// Delete removes the entity's row after cascading depth-first into every
// cascade-flagged relation, commits, and publishes a deleted event for this
// instance. Cascaded children publish their own deleted events through their
// own Delete calls. When the row is already gone, Delete is a no-op: nothing
// is cascaded, committed or published.
func (r *Repository[E]) Delete(ctx context.Context, sess Session, entity E) error {
	start := time.Now()

	key := r.meta.KeyOf(entity)
	if !key.IsSet() {
		return errors.Join(ErrInvalidArgument, errors.New("entity has no primary key"))
	}

	// Refresh so relation predicates see the current row, not a stale
	// in-memory view.
	fields, found, fetchErr := sess.Fetch(ctx, r.meta.Kind.Table(), key)
	if fetchErr != nil {
		return errors.Join(ErrQueryFailed, fetchErr)
	}

	if !found {
		r.observe(opDelete, start, nil)
		return nil
	}

	if cascadeErr := r.cascadeDelete(ctx, sess, fields); cascadeErr != nil {
		r.observe(opDelete, start, cascadeErr)
		return cascadeErr
	}

	if deleteErr := sess.Delete(ctx, r.meta.Kind.Table(), key); deleteErr != nil {
		return r.failWrite(ctx, sess, opDelete, start, deleteErr)
	}

	if commitErr := sess.Commit(ctx); commitErr != nil {
		return r.failWrite(ctx, sess, opDelete, start, commitErr)
	}

	r.publishChange(ctx, EventDeleted, fields)
	r.observe(opDelete, start, nil)

	return nil
}

// cascadeDelete walks the cascade-flagged relations depth-first, deleting
// each related row through the related kind's own deletion path. Absent
// related data is a no-op.
func (r *Repository[E]) cascadeDelete(ctx context.Context, sess Session, owner FieldMap) error {
	for _, relation := range r.meta.Relations {
		if !relation.Cascade || relation.Related == nil || relation.ByOwner == nil {
			continue
		}

		if _, err := relation.Related.DeleteMatching(ctx, sess, relation.ByOwner(owner)); err != nil {
			return err
		}
	}

	return nil
}

// DeleteMatching deletes every row matching the predicate, one at a time
// through Delete, so cascade and event semantics apply uniformly. It is not
// atomic across rows: a failure partway leaves earlier deletions committed.
func (r *Repository[E]) DeleteMatching(ctx context.Context, sess Session, pred Predicate) (int, error) {
	entities, listErr := r.AllMatching(ctx, sess, pred)
	if listErr != nil {
		return 0, listErr
	}

	deleted := 0

	for _, entity := range entities {
		if deleteErr := r.Delete(ctx, sess, entity); deleteErr != nil {
			return deleted, deleteErr
		}

		deleted++
	}

	return deleted, nil
}

// DeleteAll deletes every row of the kind through Delete, row by row.
func (r *Repository[E]) DeleteAll(ctx context.Context, sess Session) (int, error) {
	return r.DeleteMatching(ctx, sess, Predicate{})
}

/***** internals *****/

func (r *Repository[E]) boundedQuery(pred Predicate, limit uint, offset uint) Query {
	return Query{
		Table:   r.meta.Kind.Table(),
		Where:   pred,
		OrderBy: r.meta.KeyColumns,
		Limit:   limit,
		Offset:  offset,
	}
}

func (r *Repository[E]) decodeRow(fields FieldMap) (E, error) {
	entity, decodeErr := r.meta.Decode(fields)
	if decodeErr != nil {
		var empty E
		return empty, errors.Join(ErrValidation, decodeErr)
	}

	return entity, nil
}

func (r *Repository[E]) decodeRows(rows []FieldMap) ([]E, error) {
	entities := make([]E, 0, len(rows))

	for _, row := range rows {
		entity, decodeErr := r.decodeRow(row)
		if decodeErr != nil {
			return nil, decodeErr
		}

		entities = append(entities, entity)
	}

	return entities, nil
}

func (r *Repository[E]) withoutKeyColumns(fields FieldMap) FieldMap {
	stripped := make(FieldMap, len(fields))

	for name, val := range fields {
		isKeyColumn := false
		for _, col := range r.meta.KeyColumns {
			if name == col {
				isKeyColumn = true
				break
			}
		}

		if !isKeyColumn {
			stripped[name] = val
		}
	}

	return stripped
}

// failWrite rolls the session back and wraps the cause as a persistence
// failure, recording the duration from the operation's start. Callers must
// not assume the instance is store-consistent after this runs.
func (r *Repository[E]) failWrite(ctx context.Context, sess Session, operation string, start time.Time, cause error) error {
	if rollbackErr := sess.Rollback(ctx); rollbackErr != nil {
		r.logWarn(ctx, logMsgRollbackFailed, logAttrError, rollbackErr.Error(), logAttrKind, r.meta.Kind.Name())
	}

	r.observe(operation, start, cause)

	return errors.Join(ErrPersistence, cause)
}

// publishChange is the single publish boundary for all mutation types: a
// mutation that already committed must never fail because notification
// failed, so every problem is logged and swallowed here.
func (r *Repository[E]) publishChange(ctx context.Context, eventType EventType, data FieldMap) {
	if r.publisher == nil {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logError(ctx, logMsgPublishFailed,
				logAttrError, recovered,
				logAttrTopic, string(r.meta.Kind.Topic()),
				logAttrEventType, string(eventType))
		}
	}()

	event, buildErr := BuildEvent(eventType, data)
	if buildErr != nil {
		r.logError(ctx, logMsgBuildEventFailed,
			logAttrError, buildErr.Error(),
			logAttrTopic, string(r.meta.Kind.Topic()),
			logAttrEventType, string(eventType))

		return
	}

	r.publisher.Publish(r.meta.Kind.Topic(), event)
}

func (r *Repository[E]) observe(operation string, start time.Time, cause error) {
	if r.metricsCollector == nil {
		return
	}

	labels := map[string]string{labelOperation: operation, labelKind: r.meta.Kind.Name()}
	r.metricsCollector.RecordDuration(metricOperationDuration, time.Since(start), labels)

	if cause != nil {
		r.metricsCollector.IncrementCounter(metricOperationErrors, labels)
	}
}

func (r *Repository[E]) logOperation(ctx context.Context, action string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
		return
	}

	if r.logger != nil {
		r.logger.Info(logMsgOperation+action, args...)
	}
}

func (r *Repository[E]) logWarn(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}

	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

func (r *Repository[E]) logError(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}

	if r.logger != nil {
		r.logger.Error(msg, args...)
	}
}

// withoutNilFields drops nil-valued columns before an insert so unassigned
// keys and defaults are left to the store.
func withoutNilFields(fields FieldMap) FieldMap {
	stripped := make(FieldMap, len(fields))

	for name, val := range fields {
		if val != nil {
			stripped[name] = val
		}
	}

	return stripped
}

// durationToMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
