// Package adapters wraps the supported database transaction handles (pgx,
// sqlx, database/sql) behind one narrow interface so the session code stays
// driver-agnostic.
package adapters
