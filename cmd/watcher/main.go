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
	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/queue"
	"thirdcoast.systems/lumen/internal/watcher"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting watcher service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := application.SetupLogger(conf, "watcher")

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

	jobStore := db.NewJobStore(dbc, conf.DatabaseDSN)
	enq := queue.NewEnqueuer(jobStore, conf.MediaDir, conf.JobMaxAttempts, queue.WithEnqueueLogger(log))

	users, err := db.NewUsersCache(ctx, db.NewLibraryStore(dbc))
	if err != nil {
		log.Error("failed to load users", "error", err)
		os.Exit(1)
	}
	go users.Follow(ctx, conf.DatabaseDSN)

	// Catch up on whatever changed while nothing was watching.
	for _, t := range []jobs.Type{jobs.TypeScan, jobs.TypeCleanDB} {
		if _, err := enq.Enqueue(ctx, queue.Request{Type: t}); err != nil {
			log.Error("failed to enqueue startup job", "job_type", string(t), "error", err)
			os.Exit(1)
		}
	}

	w := watcher.New(conf.MediaDir, users, enq, watcher.Options{Logger: log})
	if err := w.Run(ctx); err != nil {
		log.Error("watcher failed", "error", err)
		os.Exit(1)
	}
	log.Info("Watcher stopped")
}
