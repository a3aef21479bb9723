package cache

import (
	"context"
	"errors"
	"time"

	"github.com/klppl/relay/internal/db"
)

// SQLCache stores entries in the main database's cache table. The default
// backend; fine for single-node deployments.
type SQLCache struct {
	store *db.Store
}

// NewSQL returns a cache backed by the given store.
func NewSQL(store *db.Store) *SQLCache {
	return &SQLCache{store: store}
}

func (c *SQLCache) Get(ctx context.Context, namespace, key string) (Item, error) {
	row, err := c.store.GetCacheItem(namespace, key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Item{}, ErrMiss
		}
		return Item{}, err
	}
	return Item{
		Namespace: row.Namespace,
		Key:       row.Key,
		Value:     row.Value,
		Type:      row.Type,
		Updated:   row.Updated,
	}, nil
}

func (c *SQLCache) Set(ctx context.Context, namespace, key, value, vtype string) error {
	return c.store.SetCacheItem(namespace, key, value, vtype)
}

func (c *SQLCache) Delete(ctx context.Context, namespace, key string) error {
	return c.store.DelCacheItem(namespace, key)
}

func (c *SQLCache) DeleteNamespace(ctx context.Context, namespace string) error {
	return c.store.DelCacheNamespace(namespace)
}

func (c *SQLCache) Clear(ctx context.Context) error {
	return c.store.ClearCache()
}

// Close is a no-op; the store's lifetime is managed by the supervisor.
func (c *SQLCache) Close() error {
	return nil
}

// Sweep removes rows older than maxAge. The supervisor runs this on a timer.
func (c *SQLCache) Sweep(maxAge time.Duration) error {
	return c.store.SweepCache(time.Now().Add(-maxAge))
}
