package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/klppl/relay/internal/config"
)

// RedisCache stores entries in Redis under "{prefix}:{namespace}:{key}".
// The stored value is "type:epoch:value" so the update timestamp survives
// without a second key.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis using the relay config.
func NewRedis(cfg *config.Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr(),
		Username:   cfg.Redis.User,
		Password:   cfg.Redis.Pass,
		DB:         cfg.Redis.Database,
		ClientName: "ActivityRelay_" + cfg.Domain,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: cfg.Redis.Prefix}, nil
}

func (c *RedisCache) keyName(namespace, key string) string {
	return c.prefix + ":" + namespace + ":" + key
}

func (c *RedisCache) Get(ctx context.Context, namespace, key string) (Item, error) {
	raw, err := c.client.Get(ctx, c.keyName(namespace, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Item{}, ErrMiss
		}
		return Item{}, fmt.Errorf("redis get: %w", err)
	}

	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return Item{}, ErrMiss
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Item{}, ErrMiss
	}

	return Item{
		Namespace: namespace,
		Key:       key,
		Value:     parts[2],
		Type:      parts[0],
		Updated:   time.Unix(epoch, 0).UTC(),
	}, nil
}

func (c *RedisCache) Set(ctx context.Context, namespace, key, value, vtype string) error {
	raw := fmt.Sprintf("%s:%d:%s", vtype, time.Now().UTC().Unix(), value)
	if err := c.client.Set(ctx, c.keyName(namespace, key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, namespace, key string) error {
	return c.client.Del(ctx, c.keyName(namespace, key)).Err()
}

// DeleteNamespace scans for the namespace's keys and removes them in
// batches. SCAN keeps this safe on large keyspaces.
func (c *RedisCache) DeleteNamespace(ctx context.Context, namespace string) error {
	return c.deleteMatching(ctx, c.keyName(namespace, "*"))
}

// Clear removes every key under the configured prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	return c.deleteMatching(ctx, c.prefix+":*")
}

func (c *RedisCache) deleteMatching(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
