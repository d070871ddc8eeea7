// Package postgresengine provides the PostgreSQL-backed session used by the
// repository layer.
//
// A session wraps a single open database transaction, supplied as a pgx.Tx,
// a sqlx.Tx, or a database/sql Tx. SQL statements are built with goqu and
// executed through a small adapter interface so all three drivers share one
// code path.
package postgresengine
