// Package db handles database connectivity, migrations, and data access
// for the relay. It supports both SQLite (default, no external dependencies)
// and PostgreSQL (for larger deployments).
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert violates a uniqueness constraint.
// The API layer maps it to 409.
var ErrConflict = errors.New("already exists")

// ErrUnavailable is returned when an operation keeps failing with
// transient driver errors after retrying. The API layer maps it to 502.
var ErrUnavailable = errors.New("database unavailable")

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. driver is "sqlite" or "postgres";
// dsn is a file path for sqlite or a lib/pq connection string for postgres.
// poolSize bounds the connection pool for postgres (sqlite stays single-writer).
func Open(driver, dsn string, poolSize int) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	switch driver {
	case "sqlite":
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	case "postgres":
		if poolSize < 1 {
			poolSize = 1
		}
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	default:
		db.Close()
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// q selects the dialect-appropriate query string. SQLite queries use ?
// placeholders, PostgreSQL queries use $N.
func (s *Store) q(sqlite, postgres string) string {
	if s.driver == "postgres" {
		return postgres
	}
	return sqlite
}

// ph returns the SQL placeholder token for a single-argument query.
func (s *Store) ph() string {
	if s.driver == "postgres" {
		return "$1"
	}
	return "?"
}

// conflict translates the drivers' unique-constraint violations into
// ErrConflict; every other error passes through unchanged.
func conflict(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_* as plain errors.
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// opRetries bounds the retry loop for transient driver failures.
const opRetries = 3

// transientErr reports whether the error looks like a momentary driver
// failure (lost connection, timeout) rather than a SQL error.
func transientErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// exec wraps Exec with a short bounded retry on transient failures, so a
// dropped connection does not surface as a hard error. Exhaustion wraps
// the last error as ErrUnavailable.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 1; ; attempt++ {
		res, err = s.db.Exec(query, args...)
		if err == nil || !transientErr(err) || attempt == opRetries {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if err != nil && transientErr(err) {
		return res, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

// query is the read-side counterpart of exec.
func (s *Store) query(q string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error
	for attempt := 1; ; attempt++ {
		rows, err = s.db.Query(q, args...)
		if err == nil || !transientErr(err) || attempt == opRetries {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if err != nil && transientErr(err) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rows, err
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// nullable converts an empty string to NULL for optional text columns.
func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// epoch converts a time to the UTC epoch seconds stored in created/updated
// columns. Zero times map to the current instant.
func epoch(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Unix()
}
