// relay is an ActivityPub federation relay. Instances follow the relay's
// actor; public activities from any subscriber are rebroadcast to all the
// others as signed Announces.
//
// Usage:
//
//	./relay -config relay.yaml
//
// A missing config file is created with defaults on first start.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/cache"
	"github.com/klppl/relay/internal/config"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/policy"
	"github.com/klppl/relay/internal/queue"
	"github.com/klppl/relay/internal/server"
)

// failedInboxMaxAge is how long an instance may fail continuously before
// its subscription is dropped.
const failedInboxMaxAge = 7 * 24 * time.Hour

// cacheSweepMaxAge bounds how long DB-backed cache rows live.
const cacheSweepMaxAge = 24 * time.Hour

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the YAML config file")
	flag.Parse()

	// Structured JSON logging; level is raised once the DB config is
	// readable.
	logLevel := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting relay", "version", ap.SoftwareVersion)

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"domain", cfg.Domain,
		"database", cfg.DatabaseType,
		"cache", cfg.CacheType,
		"workers", cfg.WorkerCount(),
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	dsn := cfg.SqliteFile()
	if cfg.DatabaseType == "postgres" {
		dsn = cfg.PostgresDSN()
	}
	store, err := db.Open(cfg.DatabaseType, dsn, 2*cfg.WorkerCount())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(2)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(2)
	}

	applyLogLevel(store, logLevel)

	// ─── Signing key ──────────────────────────────────────────────────────────
	keys, err := ap.LoadOrGenerateKeyPair(store)
	if err != nil {
		slog.Error("failed to load signing key", "error", err)
		os.Exit(2)
	}

	// ─── Cache ────────────────────────────────────────────────────────────────
	var kv cache.Cache
	var sqlCache *cache.SQLCache
	if cfg.CacheType == "redis" {
		redisCache, err := cache.NewRedis(cfg)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		kv = redisCache
	} else {
		sqlCache = cache.NewSQL(store)
		kv = sqlCache
	}
	defer kv.Close()

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Federation client + delivery pool ────────────────────────────────────
	pol := policy.New(store)
	client := ap.NewClient(cfg, keys, kv, pol.Gate())

	pool := queue.NewPool(cfg.WorkerCount(), client, store)
	pool.Start(ctx)

	go maintenanceLoop(ctx, pool, sqlCache)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, keys, client, pool, pol)
	srv.Start(ctx) // blocks until ctx is cancelled

	pool.Wait()
	slog.Info("relay stopped")
}

// applyLogLevel maps the DB-stored log-level setting onto slog.
func applyLogLevel(store *db.Store, level *slog.LevelVar) {
	name, _, err := store.GetConfig("log-level")
	if err != nil {
		slog.Warn("could not read log-level", "error", err)
		return
	}
	switch name {
	case "DEBUG", "VERBOSE":
		level.Set(slog.LevelDebug)
	case "INFO":
		level.Set(slog.LevelInfo)
	case "WARNING":
		level.Set(slog.LevelWarn)
	case "ERROR", "CRITICAL":
		level.Set(slog.LevelError)
	default:
		slog.Warn("unknown log-level, keeping INFO", "value", name)
	}
}

// maintenanceLoop prunes dead subscribers and, when the cache lives in
// the database, sweeps stale cache rows.
func maintenanceLoop(ctx context.Context, pool *queue.Pool, sqlCache *cache.SQLCache) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.PruneFailed(failedInboxMaxAge)
			if sqlCache != nil {
				if err := sqlCache.Sweep(cacheSweepMaxAge); err != nil {
					slog.Warn("cache sweep failed", "error", err)
				}
			}
		}
	}
}
