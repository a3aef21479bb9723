package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migrations is the ordered, forward-only list of schema versions. Each
// entry's statements must be idempotent so a partially applied version can
// be re-run safely. The current version is stored in the config table under
// "schema-version".
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS config (
				key   TEXT PRIMARY KEY,
				value TEXT,
				type  TEXT NOT NULL DEFAULT 'str'
			)`,
			`CREATE TABLE IF NOT EXISTS inboxes (
				domain   TEXT PRIMARY KEY,
				actor    TEXT UNIQUE,
				inbox    TEXT UNIQUE NOT NULL,
				followid TEXT,
				software TEXT,
				created  INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS whitelist (
				domain  TEXT PRIMARY KEY,
				created INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS domain_bans (
				domain  TEXT PRIMARY KEY,
				reason  TEXT,
				note    TEXT,
				created INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS software_bans (
				name    TEXT PRIMARY KEY,
				reason  TEXT,
				note    TEXT,
				created INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				username TEXT PRIMARY KEY,
				hash     TEXT NOT NULL,
				handle   TEXT,
				created  INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tokens (
				code    TEXT PRIMARY KEY,
				"user"  TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
				created INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cache (
				namespace TEXT NOT NULL,
				key       TEXT NOT NULL,
				value     TEXT,
				type      TEXT NOT NULL DEFAULT 'str',
				updated   INTEGER NOT NULL,
				PRIMARY KEY (namespace, key)
			)`,
			`CREATE INDEX IF NOT EXISTS inboxes_actor ON inboxes(actor)`,
			`CREATE INDEX IF NOT EXISTS tokens_user ON tokens("user")`,
		},
	},
	{
		// Follow-request approval and per-destination failure accounting.
		version: 2,
		statements: []string{
			`ALTER TABLE inboxes ADD COLUMN accepted INTEGER NOT NULL DEFAULT 1`,
			`ALTER TABLE inboxes ADD COLUMN failures INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE inboxes ADD COLUMN failed_since INTEGER`,
		},
	},
}

// SchemaVersion is the version a fully migrated database reports.
const SchemaVersion = 2

// Migrate applies all pending migrations in order.
func (s *Store) Migrate() error {
	current := s.schemaVersion()
	if current > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		slog.Info("applying migration", "version", m.version)

		for _, stmt := range m.statements {
			if _, err := s.db.Exec(stmt); err != nil {
				// Re-running an ALTER after a partial apply trips
				// duplicate-column errors; those are safe to skip.
				if isDuplicateErr(err) {
					continue
				}
				return fmt.Errorf("migration %d failed: %w\nSQL: %s", m.version, err, stmt)
			}
		}

		if err := s.PutConfig("schema-version", fmt.Sprintf("%d", m.version), "int"); err != nil {
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
	}

	slog.Info("migrations complete", "version", SchemaVersion)
	return nil
}

// schemaVersion reads the stored schema version, or 0 for an empty database.
func (s *Store) schemaVersion() int {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = `+s.ph(), "schema-version").Scan(&value)
	if err != nil {
		return 0
	}
	var v int
	fmt.Sscanf(value, "%d", &v)
	return v
}

func isDuplicateErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists")
}

// txExec runs fn inside a transaction, rolling back on error.
func (s *Store) txExec(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
