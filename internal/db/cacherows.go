package db

import (
	"database/sql"
	"errors"
	"time"
)

// CacheRow is one entry in the database-backed KV cache. TTL enforcement
// happens in internal/cache by comparing Updated against a per-namespace
// max age; the store only records when the row was written.
type CacheRow struct {
	Namespace string
	Key       string
	Value     string
	Type      string
	Updated   time.Time
}

// GetCacheItem returns a cache row.
func (s *Store) GetCacheItem(namespace, key string) (CacheRow, error) {
	query := s.q(
		`SELECT value, type, updated FROM cache WHERE namespace = ? AND key = ?`,
		`SELECT value, type, updated FROM cache WHERE namespace = $1 AND key = $2`,
	)

	row := CacheRow{Namespace: namespace, Key: key}
	var updated int64
	err := s.db.QueryRow(query, namespace, key).Scan(&row.Value, &row.Type, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return row, ErrNotFound
		}
		return row, err
	}
	row.Updated = time.Unix(updated, 0).UTC()
	return row, nil
}

// SetCacheItem upserts a cache row, stamping it with the current time.
func (s *Store) SetCacheItem(namespace, key, value, vtype string) error {
	query := s.q(
		`INSERT INTO cache (namespace, key, value, type, updated) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (namespace, key) DO UPDATE SET
				value = excluded.value, type = excluded.type, updated = excluded.updated`,
		`INSERT INTO cache (namespace, key, value, type, updated) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (namespace, key) DO UPDATE SET
				value = EXCLUDED.value, type = EXCLUDED.type, updated = EXCLUDED.updated`,
	)
	_, err := s.exec(query, namespace, key, value, vtype, epoch(time.Time{}))
	return err
}

// DelCacheItem removes a single cache row.
func (s *Store) DelCacheItem(namespace, key string) error {
	query := s.q(
		`DELETE FROM cache WHERE namespace = ? AND key = ?`,
		`DELETE FROM cache WHERE namespace = $1 AND key = $2`,
	)
	_, err := s.exec(query, namespace, key)
	return err
}

// DelCacheNamespace removes every row in a namespace.
func (s *Store) DelCacheNamespace(namespace string) error {
	_, err := s.exec(`DELETE FROM cache WHERE namespace = `+s.ph(), namespace)
	return err
}

// ClearCache empties the cache table.
func (s *Store) ClearCache() error {
	_, err := s.exec(`DELETE FROM cache`)
	return err
}

// SweepCache removes rows last updated at or before cutoff. A row exactly
// at the boundary counts as expired, matching the read-side staleness
// check. Called periodically; reads also treat stale rows as absent, so
// the sweep is purely hygiene.
func (s *Store) SweepCache(cutoff time.Time) error {
	_, err := s.exec(`DELETE FROM cache WHERE updated <= `+s.ph(), cutoff.UTC().Unix())
	return err
}
