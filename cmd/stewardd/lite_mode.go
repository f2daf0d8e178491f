package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/config"
)

// openStore opens the ledger store selected by LEDGER_STORE. The returned
// close function releases the underlying connection.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (approval.Store, func() error, error) {
	switch cfg.LedgerStore {
	case config.StoreMemory:
		logger.WarnContext(ctx, "memory ledger: proposals are lost on exit")
		return approval.NewMemoryStore(), func() error { return nil }, nil

	case config.StoreRedis:
		rs, err := approval.DialRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		logger.InfoContext(ctx, "redis ledger: connected", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return rs, rs.Close, nil

	default:
		db, err := openSQL(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		store := approval.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init ledger schema: %w", err)
		}
		return store, db.Close, nil
	}
}

// openSQL connects to Postgres when DATABASE_URL is set and falls back to a
// SQLite file under DATA_DIR otherwise.
func openSQL(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	if !cfg.LiteMode() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.InfoContext(ctx, "postgres ledger: connected")
		return db, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "stewardd.db")
	logger.InfoContext(ctx, "lite mode: using sqlite", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the store's version check handles the rest.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return db, nil
}
