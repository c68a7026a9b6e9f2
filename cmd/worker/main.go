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
	"thirdcoast.systems/lumen/internal/federation"
	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/mediainfo"
	"thirdcoast.systems/lumen/internal/pipeline"
	"thirdcoast.systems/lumen/internal/queue"
	"thirdcoast.systems/lumen/internal/thumbnails"
	"thirdcoast.systems/lumen/internal/visual"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting worker service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := application.SetupLogger(conf, "worker")

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
	libStore := db.NewLibraryStore(dbc)
	enq := queue.NewEnqueuer(jobStore, conf.MediaDir, conf.JobMaxAttempts, queue.WithEnqueueLogger(log))

	cache, err := thumbnails.NewCache(ctx, conf, log)
	if err != nil {
		log.Error("failed to set up thumbnail cache", "error", err)
		os.Exit(1)
	}
	layout := thumbnails.LayoutFromConfig(conf)

	backoff := jobs.Backoff{Initial: conf.RetryBaseDelay, Max: conf.RetryMaxDelay}
	hostname, _ := os.Hostname()
	d := queue.NewDispatcher(jobStore, queue.Options{
		Name:                     hostname,
		PollInterval:             conf.PollInterval,
		HeartbeatInterval:        conf.HeartbeatInterval,
		RetryBackoff:             backoff,
		DependencyBackoff:        backoff,
		DependencyAlertThreshold: conf.DependencyAlertThreshold,
		Logger:                   log,
	})

	p := &pipeline.Pipeline{
		Library:             libStore,
		Jobs:                jobStore,
		Enqueuer:            enq,
		Media:               mediainfo.NewAnalyzer(),
		Thumbs:              thumbnails.NewFFmpegGenerator(layout, log),
		Cache:               cache,
		Visual:              visual.NewClient(conf.VisualAnalyzerURL, conf.VisualTimeout),
		Layout:              layout,
		MediaDir:            conf.MediaDir,
		ThumbnailDir:        conf.ThumbnailDir,
		AnalysisConcurrency: conf.AnalysisConcurrency,
		Logger:              log,
	}
	p.Register(d)

	im := &federation.Importer{
		Library:  libStore,
		Enqueuer: enq,
		Remote: federation.NewClient(federation.ClientOptions{
			Timeout:            conf.FederationTimeout,
			RatePerSecond:      conf.FederationRateRPS,
			InsecureSkipVerify: conf.FederationInsecure,
			Logger:             log,
		}),
		MediaDir: conf.MediaDir,
		Logger:   log,
	}
	im.Register(d)

	var reaper *queue.Reaper
	if conf.ReaperEnabled {
		reaper = queue.NewReaper(jobStore, conf.ReaperInterval, conf.StaleJobThreshold, conf.CancelledRetention, log)
	}

	log.Info("Worker started", "workers", conf.Workers, "handlers", d.Registered(), "reaper", reaper != nil)
	if err := queue.RunWorkers(ctx, d, conf.Workers, reaper); err != nil && ctx.Err() == nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
	log.Info("Worker stopped")
}
