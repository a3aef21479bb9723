// Package cache provides the namespaced key/value cache used for nodeinfo
// and actor-document lookups. Two backends exist: the cache table in the
// main database, and Redis. Entries carry a type tag (str|int|bool|json)
// so readers can decode without per-call schemas, and an update timestamp;
// staleness is decided by the caller against a per-namespace max age.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMiss is returned when a key is absent or the stored entry cannot be
// decoded.
var ErrMiss = errors.New("cache miss")

// Item is one cached entry.
type Item struct {
	Namespace string
	Key       string
	Value     string
	Type      string // str|int|bool|json
	Updated   time.Time
}

// Age returns how long ago the item was written.
func (i Item) Age() time.Duration {
	return time.Since(i.Updated)
}

// OlderThan reports whether the item has outlived the given max age.
func (i Item) OlderThan(maxAge time.Duration) bool {
	return i.Age() > maxAge
}

// Int decodes an int-typed value.
func (i Item) Int() (int, error) {
	return strconv.Atoi(i.Value)
}

// Bool decodes a bool-typed value.
func (i Item) Bool() (bool, error) {
	return strconv.ParseBool(i.Value)
}

// JSON decodes a json-typed value into v.
func (i Item) JSON(v any) error {
	return json.Unmarshal([]byte(i.Value), v)
}

// Encode serializes a Go value into the string form stored by backends,
// returning the value and its type tag.
func Encode(v any) (value, vtype string, err error) {
	switch t := v.(type) {
	case string:
		return t, "str", nil
	case int:
		return strconv.Itoa(t), "int", nil
	case bool:
		return strconv.FormatBool(t), "bool", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("encode cache value: %w", err)
		}
		return string(data), "json", nil
	}
}

// Cache is the backend interface. Implementations are safe for concurrent
// use; atomicity is delegated to the backing store.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (Item, error)
	Set(ctx context.Context, namespace, key, value, vtype string) error
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
	Clear(ctx context.Context) error
	Close() error
}
