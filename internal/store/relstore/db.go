// Package relstore is the Postgres-backed implementation of the
// channel.Repository and message.Repository contracts. It uses
// database/sql with lib/pq directly — no ORM — mirroring the raw-SQL
// repository style the rest of the stack's storage layers follow, and
// golang-migrate for schema versioning.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to Postgres via dsn and verifies connectivity with a
// bounded ping. The caller owns the returned *sql.DB's lifecycle.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("relstore: ping: %w", err)
	}
	return db, nil
}
