package config

import (
	"database/sql"
	"time"

	// Postgres driver for database/sql.
	_ "github.com/lib/pq"
)

// OpenSQLDB opens a database/sql handle on the example database, for programs
// that prefer the standard library pool over pgxpool.
func OpenSQLDB() (*sql.DB, error) {
	const defaultMaxOpenConns = 8
	const defaultMaxIdleConns = 2
	const defaultConnMaxLifetime = time.Hour

	db, err := sql.Open("postgres", PostgresDSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	return db, nil
}
