package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"thirdcoast.systems/lumen/cmd/web/internal/web"
	"thirdcoast.systems/lumen/internal/application"
	"thirdcoast.systems/lumen/internal/config"
	"thirdcoast.systems/lumen/internal/db"
	"thirdcoast.systems/lumen/internal/federation"
	"thirdcoast.systems/lumen/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting web service")

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := application.SetupLogger(conf, "web")

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

	var signer *federation.Signer
	if conf.FederationEnabled() {
		signer = federation.NewSigner(conf.S2SSecret, conf.PublicURL)
	}

	e, err := web.NewWebserver(web.Options{
		Jobs:       jobStore,
		Library:    libStore,
		Enqueuer:   enq,
		Users:      libStore,
		Signer:     signer,
		MediaDir:   conf.MediaDir,
		AdminToken: conf.AdminToken,
		InviteTTL:  conf.InviteTTL,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to create webserver", "error", err)
		os.Exit(1)
	}

	addr := ":" + strconv.Itoa(conf.WebServerPort)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	log.Info("Listening", "addr", addr)
	if err := e.Start(addr); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		// Echo returns an error on Shutdown; treat it as normal if context is done.
		if ctx.Err() != nil {
			return
		}
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}
