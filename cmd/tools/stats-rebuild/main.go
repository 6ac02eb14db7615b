// Command stats-rebuild recomputes the admin statistics counters from full
// table scans and replaces the stored values, repairing any drift the
// incrementally maintained counters have accumulated.
//
// Usage:
//
//	stats-rebuild                # rebuild counters and report drift
//	stats-rebuild --dry-run      # print the stored counters without writing
//	stats-rebuild --timeout 5m   # override the default execution timeout
//
// The tool reads DATABASE_URL (and the DB_* pool tuning variables) from the
// environment, loading a .env file first when one is present. Exit code is
// non-zero on any failure; drift alone is reported, not treated as an error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"limitter/internal/admin"
	"limitter/internal/config"
	"limitter/internal/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Print the stored counters without rebuilding them")
	timeout := flag.Duration("timeout", 2*time.Minute, "Maximum time to allow the rebuild to run")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Rebuilds the admin stats counters from full table scans.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded (this is fine in production)")
	}

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process("", &dbCfg); err != nil {
		logger.Error("invalid database configuration", "error", err)
		os.Exit(1)
	}
	if dbCfg.URL.Unmask() == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	pool, err := db.NewPool(ctx, dbCfg)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	stats := admin.NewStatsService(admin.StatsConfig{
		DB:       pool,
		TxRunner: db.NewTxManager(pool),
		Logger:   logger,
	})

	if *dryRun {
		snapshot, err := stats.Snapshot(ctx)
		if err != nil {
			logger.Error("failed to read stats snapshot", "error", err)
			os.Exit(1)
		}
		for key, value := range snapshot.Counters {
			logger.Info("stored counter", "key", key, "value", value)
		}
		return
	}

	start := time.Now()
	result, err := stats.Recalculate(ctx)
	if err != nil {
		logger.Error("stats rebuild failed", "error", err)
		os.Exit(1)
	}

	for _, d := range result.Drift {
		logger.Warn("counter drift repaired",
			"key", d.Key,
			"stored", d.Stored,
			"recomputed", d.Recomputed,
		)
	}
	for key, value := range result.Counters {
		logger.Info("counter", "key", key, "value", value)
	}
	logger.Info("stats rebuild complete",
		"counters", len(result.Counters),
		"drift_entries", len(result.Drift),
		"duration", time.Since(start).String(),
	)
}
