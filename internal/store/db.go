// Package store provides the relational account store for the server.
package store

import (
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// Open opens the SQLite database at the given DSN and wraps it with bun.
// The caller is responsible for closing the handle.
func Open(dsn string) (*bun.DB, error) {
	// Shared cache keeps in-memory databases alive across pooled connections.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout waits up to 5 seconds for locks to clear; WAL mode
	// allows concurrent reads while writing.
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	conn.SetMaxIdleConns(1)

	return bun.NewDB(conn, sqlitedialect.New()), nil
}
