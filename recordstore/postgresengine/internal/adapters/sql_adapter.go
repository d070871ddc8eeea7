package adapters

import (
	"context"
	"database/sql"
)

// SQLAdapter implements TxAdapter for sql.Tx.
type SQLAdapter struct {
	tx *sql.Tx
}

// NewSQLAdapter creates a new SQL adapter around an open transaction.
func NewSQLAdapter(tx *sql.Tx) *SQLAdapter {
	return &SQLAdapter{tx: tx}
}

func (s *SQLAdapter) Query(ctx context.Context, query string) (DBRows, error) {
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

func (s *SQLAdapter) Exec(ctx context.Context, query string) (DBResult, error) {
	result, err := s.tx.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdResult{result: result}, nil
}

func (s *SQLAdapter) Commit(_ context.Context) error {
	return s.tx.Commit()
}

func (s *SQLAdapter) Rollback(_ context.Context) error {
	return s.tx.Rollback()
}
