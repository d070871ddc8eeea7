package adapters

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SQLXAdapter implements TxAdapter for sqlx.Tx.
type SQLXAdapter struct {
	tx *sqlx.Tx
}

// NewSQLXAdapter creates a new SQLX adapter around an open transaction.
func NewSQLXAdapter(tx *sqlx.Tx) *SQLXAdapter {
	return &SQLXAdapter{tx: tx}
}

// Query executes a query on the transaction and returns wrapped rows.
func (s *SQLXAdapter) Query(ctx context.Context, query string) (DBRows, error) {
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// Exec executes a statement on the transaction and returns wrapped result.
func (s *SQLXAdapter) Exec(ctx context.Context, query string) (DBResult, error) {
	result, err := s.tx.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdResult{result: result}, nil
}

// Commit commits the transaction.
func (s *SQLXAdapter) Commit(_ context.Context) error {
	return s.tx.Commit()
}

// Rollback rolls the transaction back.
func (s *SQLXAdapter) Rollback(_ context.Context) error {
	return s.tx.Rollback()
}
