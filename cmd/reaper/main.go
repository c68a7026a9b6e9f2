package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thirdcoast.systems/lumen/internal/application"
	"thirdcoast.systems/lumen/internal/config"
	"thirdcoast.systems/lumen/internal/db"
	"thirdcoast.systems/lumen/internal/queue"
)

// The reaper runs on its own when workers are deployed with
// REAPER_ENABLED=false.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting reaper service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := application.SetupLogger(conf, "reaper")

	pool, err := application.OpenDBPoolWithRetry(ctx, conf)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		log.Error("failed to create database connection", "error", err)
		os.Exit(1)
	}
	defer dbc.Close()

	reaper := queue.NewReaper(db.NewJobStore(dbc, conf.DatabaseDSN), conf.ReaperInterval, conf.StaleJobThreshold, conf.CancelledRetention, log)
	log.Info("Reaper started", "interval", conf.ReaperInterval, "stale_threshold", conf.StaleJobThreshold, "cancelled_retention", conf.CancelledRetention)
	if err := reaper.Run(ctx); err != nil {
		log.Error("reaper failed", "error", err)
		os.Exit(1)
	}
}
