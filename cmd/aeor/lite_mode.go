package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/Mindburn-Labs/aeor/pkg/config"
	"github.com/Mindburn-Labs/aeor/pkg/util/resiliency"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// openDatabase connects to Postgres when DATABASE_URL is set and falls back to
// a SQLite file under DATA_DIR otherwise.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	driver, dsn := "postgres", cfg.DatabaseURL
	if dsn == "" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		driver, dsn = "sqlite", cfg.SQLitePath()
		logger.Info("lite mode: using sqlite", "path", dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := resiliency.Retry(ctx, resiliency.DefaultBackoff, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", driver, err)
	}
	return db, nil
}
