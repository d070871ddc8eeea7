package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	// Postgres dialect for goqu.
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/recordstreams/recordstore-go/recordstore"
	"github.com/recordstreams/recordstore-go/recordstore/postgresengine/internal/adapters"
)

const (
	postgresDialect = "postgres"

	logMsgQueryExecuted  = "sql query executed"
	logMsgCommitFinished = "transaction committed"

	logAttrSQL          = "sql"
	logAttrDurationMS   = "durationMS"
	logAttrRowsReturned = "rowsReturned"

	metricSQLQueryDuration = "recordstore_sql_query_duration_seconds"
	metricSQLQueryErrors   = "recordstore_sql_query_errors_total"

	labelAction = "action"

	actionSelect   = "select"
	actionCount    = "count"
	actionFetch    = "fetch"
	actionInsert   = "insert"
	actionUpdate   = "update"
	actionDelete   = "delete"
	actionCommit   = "commit"
	actionRollback = "rollback"
)

var (
	ErrNilTransaction       = errors.New("transaction must not be nil")
	ErrBuildingQueryFailed  = errors.New("building sql query failed")
	ErrExecutingQueryFailed = errors.New("executing sql query failed")
	ErrScanningRowFailed    = errors.New("scanning result row failed")
	ErrNoRowReturned        = errors.New("statement returned no row")
)

// Session is a PostgreSQL implementation of recordstore.Session. It spans one
// open database transaction and must not be shared between goroutines.
type Session struct {
	tx               adapters.TxAdapter
	dialect          goqu.DialectWrapper
	logger           recordstore.Logger
	contextualLogger recordstore.ContextualLogger
	metricsCollector recordstore.MetricsCollector
}

var _ recordstore.Session = (*Session)(nil)

// NewSessionFromPGXTx creates a session from an open pgx transaction.
func NewSessionFromPGXTx(tx pgx.Tx, options ...Option) (*Session, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}

	return newSession(adapters.NewPGXAdapter(tx), options...)
}

// NewSessionFromSQLTx creates a session from an open database/sql transaction.
func NewSessionFromSQLTx(tx *sql.Tx, options ...Option) (*Session, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}

	return newSession(adapters.NewSQLAdapter(tx), options...)
}

// NewSessionFromSQLXTx creates a session from an open sqlx transaction.
func NewSessionFromSQLXTx(tx *sqlx.Tx, options ...Option) (*Session, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}

	return newSession(adapters.NewSQLXAdapter(tx), options...)
}

func newSession(tx adapters.TxAdapter, options ...Option) (*Session, error) {
	session := &Session{
		tx:      tx,
		dialect: goqu.Dialect(postgresDialect),
	}

	for _, option := range options {
		if err := option(session); err != nil {
			return nil, err
		}
	}

	return session, nil
}

// Select returns the rows matching the query as field maps, in query order.
func (s *Session) Select(ctx context.Context, query recordstore.Query) ([]recordstore.FieldMap, error) {
	sqlQuery, err := s.buildSelectQuery(query)
	if err != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	rows, err := s.tx.Query(ctx, sqlQuery)
	if err != nil {
		s.observe(actionSelect, start, err)
		return nil, errors.Join(ErrExecutingQueryFailed, err)
	}

	defer func() { _ = rows.Close() }()

	fieldMaps, err := rowsToFieldMaps(rows)
	if err != nil {
		s.observe(actionSelect, start, err)
		return nil, err
	}

	s.observe(actionSelect, start, nil)
	s.logQuery(ctx, sqlQuery, start, len(fieldMaps))

	return fieldMaps, nil
}

// Count returns the number of rows matching the query, ignoring any window.
func (s *Session) Count(ctx context.Context, query recordstore.Query) (int64, error) {
	dataset := s.dialect.From(query.Table).Select(goqu.COUNT(goqu.Star()))
	for _, condition := range query.Where.Conditions() {
		dataset = dataset.Where(goqu.Ex{condition.Key(): condition.Val()})
	}

	sqlQuery, _, err := dataset.ToSQL()
	if err != nil {
		return 0, errors.Join(ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	rows, err := s.tx.Query(ctx, sqlQuery)
	if err != nil {
		s.observe(actionCount, start, err)
		return 0, errors.Join(ErrExecutingQueryFailed, err)
	}

	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		s.observe(actionCount, start, ErrNoRowReturned)
		return 0, ErrNoRowReturned
	}

	var total int64
	if err = rows.Scan(&total); err != nil {
		s.observe(actionCount, start, err)
		return 0, errors.Join(ErrScanningRowFailed, err)
	}

	s.observe(actionCount, start, nil)
	s.logQuery(ctx, sqlQuery, start, 1)

	return total, nil
}

// Fetch returns the row with the given primary key, ok=false when absent.
func (s *Session) Fetch(ctx context.Context, table string, key recordstore.Key) (recordstore.FieldMap, bool, error) {
	query := recordstore.Query{
		Table: table,
		Where: key.Predicate(),
		Limit: 1,
	}

	sqlQuery, err := s.buildSelectQuery(query)
	if err != nil {
		return nil, false, errors.Join(ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	rows, err := s.tx.Query(ctx, sqlQuery)
	if err != nil {
		s.observe(actionFetch, start, err)
		return nil, false, errors.Join(ErrExecutingQueryFailed, err)
	}

	defer func() { _ = rows.Close() }()

	fieldMaps, err := rowsToFieldMaps(rows)
	if err != nil {
		s.observe(actionFetch, start, err)
		return nil, false, err
	}

	s.observe(actionFetch, start, nil)
	s.logQuery(ctx, sqlQuery, start, len(fieldMaps))

	if len(fieldMaps) == 0 {
		return nil, false, nil
	}

	return fieldMaps[0], true, nil
}

// Insert persists a new row and returns it as stored, including
// store-assigned fields such as a generated key and column defaults.
func (s *Session) Insert(ctx context.Context, table string, fields recordstore.FieldMap) (recordstore.FieldMap, error) {
	sqlQuery, _, err := s.dialect.
		Insert(table).
		Rows(goqu.Record(fields)).
		Returning(goqu.Star()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, err)
	}

	return s.queryOneRow(ctx, actionInsert, sqlQuery, ErrNoRowReturned)
}

// Update applies the set fields to the row with the given key and returns the
// refreshed row. A vanished row fails with ErrNoRowsAffected joined in.
func (s *Session) Update(ctx context.Context, table string, key recordstore.Key, set recordstore.FieldMap) (recordstore.FieldMap, error) {
	dataset := s.dialect.Update(table).Set(goqu.Record(set))
	for _, condition := range key.Predicate().Conditions() {
		dataset = dataset.Where(goqu.Ex{condition.Key(): condition.Val()})
	}

	sqlQuery, _, err := dataset.Returning(goqu.Star()).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, err)
	}

	return s.queryOneRow(ctx, actionUpdate, sqlQuery, recordstore.ErrNoRowsAffected)
}

// Delete removes the row with the given key; deleting an absent row is a no-op.
func (s *Session) Delete(ctx context.Context, table string, key recordstore.Key) error {
	dataset := s.dialect.Delete(table)
	for _, condition := range key.Predicate().Conditions() {
		dataset = dataset.Where(goqu.Ex{condition.Key(): condition.Val()})
	}

	sqlQuery, _, err := dataset.ToSQL()
	if err != nil {
		return errors.Join(ErrBuildingQueryFailed, err)
	}

	start := time.Now()

	if _, err = s.tx.Exec(ctx, sqlQuery); err != nil {
		s.observe(actionDelete, start, err)
		return errors.Join(ErrExecutingQueryFailed, err)
	}

	s.observe(actionDelete, start, nil)
	s.logQuery(ctx, sqlQuery, start, 0)

	return nil
}

// Commit commits the underlying transaction.
func (s *Session) Commit(ctx context.Context) error {
	start := time.Now()

	if err := s.tx.Commit(ctx); err != nil {
		s.observe(actionCommit, start, err)
		return err
	}

	s.observe(actionCommit, start, nil)
	s.logDebug(ctx, logMsgCommitFinished,
		logAttrDurationMS, durationToMilliseconds(time.Since(start)))

	return nil
}

// Rollback rolls the underlying transaction back.
func (s *Session) Rollback(ctx context.Context) error {
	start := time.Now()

	err := s.tx.Rollback(ctx)
	s.observe(actionRollback, start, err)

	return err
}

/***** query building and row mapping *****/

func (s *Session) buildSelectQuery(query recordstore.Query) (string, error) {
	dataset := s.dialect.From(query.Table).Select(goqu.Star())

	for _, condition := range query.Where.Conditions() {
		dataset = dataset.Where(goqu.Ex{condition.Key(): condition.Val()})
	}

	for _, column := range query.OrderBy {
		dataset = dataset.OrderAppend(goqu.I(column).Asc())
	}

	if query.Limit > 0 {
		dataset = dataset.Limit(query.Limit)
	}

	if query.Offset > 0 {
		dataset = dataset.Offset(query.Offset)
	}

	sqlQuery, _, err := dataset.ToSQL()

	return sqlQuery, err
}

// queryOneRow runs a statement that must return exactly one row, typically an
// INSERT or UPDATE with RETURNING.
func (s *Session) queryOneRow(
	ctx context.Context,
	action string,
	sqlQuery string,
	noRowErr error,
) (recordstore.FieldMap, error) {
	start := time.Now()

	rows, err := s.tx.Query(ctx, sqlQuery)
	if err != nil {
		s.observe(action, start, err)
		return nil, errors.Join(ErrExecutingQueryFailed, err)
	}

	defer func() { _ = rows.Close() }()

	fieldMaps, err := rowsToFieldMaps(rows)
	if err != nil {
		s.observe(action, start, err)
		return nil, err
	}

	if len(fieldMaps) == 0 {
		s.observe(action, start, noRowErr)
		return nil, noRowErr
	}

	s.observe(action, start, nil)
	s.logQuery(ctx, sqlQuery, start, len(fieldMaps))

	return fieldMaps[0], nil
}

func rowsToFieldMaps(rows adapters.DBRows) ([]recordstore.FieldMap, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, errors.Join(ErrScanningRowFailed, err)
	}

	var fieldMaps []recordstore.FieldMap

	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err = rows.Scan(pointers...); err != nil {
			return nil, errors.Join(ErrScanningRowFailed, err)
		}

		fields := make(recordstore.FieldMap, len(columns))
		for i, column := range columns {
			fields[column] = normalizeValue(values[i])
		}

		fieldMaps = append(fieldMaps, fields)
	}

	return fieldMaps, nil
}

// normalizeValue maps driver-specific raw values to the plain types the field
// maps carry. database/sql hands text columns back as byte slices.
func normalizeValue(value any) any {
	if b, ok := value.([]byte); ok {
		return string(b)
	}

	return value
}

/***** observability *****/

func (s *Session) observe(action string, start time.Time, cause error) {
	if s.metricsCollector == nil {
		return
	}

	labels := map[string]string{labelAction: action}
	s.metricsCollector.RecordDuration(metricSQLQueryDuration, time.Since(start), labels)

	if cause != nil {
		s.metricsCollector.IncrementCounter(metricSQLQueryErrors, labels)
	}
}

func (s *Session) logQuery(ctx context.Context, sqlQuery string, start time.Time, rowsReturned int) {
	s.logDebug(ctx, logMsgQueryExecuted,
		logAttrSQL, sqlQuery,
		logAttrDurationMS, durationToMilliseconds(time.Since(start)),
		logAttrRowsReturned, rowsReturned)
}

func (s *Session) logDebug(ctx context.Context, msg string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.DebugContext(ctx, msg, args...)
	case s.logger != nil:
		s.logger.Debug(msg, args...)
	}
}

func durationToMilliseconds(duration time.Duration) float64 {
	return float64(duration.Nanoseconds()) / 1e6
}
