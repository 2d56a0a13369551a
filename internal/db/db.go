// Package db persists detector sessions, detections, ground balance
// snapshots and calibration samples in SQLite. Schema changes are managed
// by golang-migrate; see migrate.go and the migrations directory.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle. Schema initialization is left to the
// migration layer so a freshly opened database has no tables until
// MigrateUp runs.
type DB struct {
	*sql.DB
	path string
}

// startupPragmas are applied on every Open. WAL keeps readers unblocked
// during recording; busy_timeout plus retryOnBusy covers the rest.
var startupPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the startup pragmas.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	for _, pragma := range startupPragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

const (
	busyRetryAttempts  = 5
	busyRetryBaseDelay = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY condition.
// The modernc driver surfaces these as strings, not typed errors.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs op, retrying with exponential backoff while it keeps
// returning SQLITE_BUSY. Any other error is returned immediately.
func retryOnBusy(op func() error) error {
	delay := busyRetryBaseDelay
	var err error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = op()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
	}
	return err
}
