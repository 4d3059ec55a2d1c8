package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nestlog/nestlog/server/internal/cache"
	"github.com/nestlog/nestlog/server/internal/config"
	"github.com/nestlog/nestlog/server/internal/nudge"
	"github.com/nestlog/nestlog/server/internal/store"
)

// backend is the storage selected by server.storage and server.cache.
type backend struct {
	outcomes store.Outcomes
	prefs    store.Preferences

	// ready pings the database; nil for the memory driver.
	ready func(ctx context.Context) error
	// run starts the retention loop and blocks until ctx is cancelled.
	run   func(ctx context.Context)
	close func()
}

func openBackend(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*backend, error) {
	b := &backend{close: func() {}}

	switch cfg.Storage.Driver {
	case "memory":
		mem := store.NewMemory(cfg.Storage.Retention)
		b.outcomes, b.prefs, b.run = mem, store.NewStaticPreferences(cfg.Preferences), mem.Run

	case "postgres", "mysql", "sqlite":
		var (
			db  *store.SQL
			err error
		)
		switch cfg.Storage.Driver {
		case "postgres":
			db, err = store.OpenPostgres(ctx, cfg.Storage.DSN(), cfg.Storage.MaxConns, cfg.Storage.Retention)
		case "mysql":
			db, err = store.OpenMySQL(ctx, cfg.Storage.DSN(), cfg.Storage.MaxConns, cfg.Storage.Retention)
		default:
			db, err = store.OpenSQLite(ctx, cfg.Storage.Path, cfg.Storage.Retention)
		}
		if err != nil {
			return nil, err
		}
		if err := seedPreferences(ctx, db, cfg.Preferences); err != nil {
			db.Close()
			return nil, err
		}
		b.outcomes, b.prefs, b.ready, b.run = db, db, db.Ping, db.Run
		b.close = func() {
			if err := db.Close(); err != nil {
				logger.Warn("storage: close failed", "err", err)
			}
		}

	default:
		return nil, fmt.Errorf("storage driver %q unknown", cfg.Storage.Driver)
	}

	if cfg.Cache.Enabled() {
		rdb := cache.NewClient(cfg.Cache.RedisAddr, cfg.Cache.Password(), cfg.Cache.DB)
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache degrades to the database on every error, so a cold
			// Redis is not fatal.
			logger.Warn("cache: redis unreachable at startup", "addr", cfg.Cache.RedisAddr, "err", err)
		}
		b.prefs = cache.NewPreferenceCache(rdb, b.prefs, cfg.Cache.TTL, cfg.Cache.Prefix, logger)
		closeDB := b.close
		b.close = func() {
			rdb.Close()
			closeDB()
		}
		logger.Info("cache: preference cache enabled", "addr", cfg.Cache.RedisAddr, "ttl", cfg.Cache.TTL)
	}

	logger.Info("storage: opened", "driver", cfg.Storage.Driver, "retention", cfg.Storage.Retention)
	return b, nil
}

// seedPreferences upserts the configured preferences into a database.
func seedPreferences(ctx context.Context, db *store.SQL, prefs []nudge.Preference) error {
	for _, p := range prefs {
		if err := db.PutPreference(ctx, p); err != nil {
			return fmt.Errorf("seed preference %q: %w", p.CaregiverKey, err)
		}
	}
	return nil
}
