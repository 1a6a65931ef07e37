package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papertrade/trading-engine/internal/api"
	"github.com/papertrade/trading-engine/internal/config"
	"github.com/papertrade/trading-engine/internal/marketdata"
	"github.com/papertrade/trading-engine/internal/store"
)

// deps holds the backends chosen from configuration.
type deps struct {
	store   store.Store
	feed    marketdata.Feed
	session api.Session
	cleanup []func()
}

func (d *deps) close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
}

// openStore picks PostgreSQL (optionally behind the Redis cache), else
// SQLite, else memory, and applies the schema.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, []func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup := []func(){pool.Close}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
			return store.NewCachedStore(pg, rdb, cfg.CacheTTL), cleanup, nil
		}
		return pg, cleanup, nil

	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
		return sq, []func(){func() { sq.Close() }}, nil

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}
}

func openRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

func openSession(cfg *config.Config) (api.Session, error) {
	if cfg.MarketAlwaysOpen {
		slog.Warn("market session gate disabled, orders accepted at any time")
		return marketdata.AlwaysOpen{}, nil
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	var holidays []string
	if cfg.MarketHolidaysFile != "" {
		if holidays, err = marketdata.LoadHolidays(cfg.MarketHolidaysFile); err != nil {
			return nil, err
		}
	}
	clock, err := marketdata.NewSessionClock(loc, cfg.MarketOpen, cfg.MarketClose, holidays)
	if err != nil {
		return nil, err
	}
	slog.Info("market session",
		"timezone", loc.String(), "open", cfg.MarketOpen, "close", cfg.MarketClose, "holidays", len(holidays))
	return clock, nil
}

// openDeps wires every backend. Call close on the result.
func openDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	d := &deps{}
	rdb, err := openRedis(cfg)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		d.cleanup = append(d.cleanup, func() { rdb.Close() })
		d.feed = marketdata.NewRedisFeed(rdb, cfg.PriceStaleAfter)
	} else {
		d.feed = marketdata.NewMemoryFeed(cfg.PriceStaleAfter)
	}

	st, cleanup, err := openStore(ctx, cfg, rdb)
	if err != nil {
		d.close()
		return nil, err
	}
	d.store = st
	d.cleanup = append(d.cleanup, cleanup...)

	if d.session, err = openSession(cfg); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}
