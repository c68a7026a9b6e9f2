package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"thirdcoast.systems/lumen/internal/application"
	"thirdcoast.systems/lumen/internal/config"
	"thirdcoast.systems/lumen/internal/db"
)

func main() {
	slog.Info("Starting database migrator service")

	startupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conf, err := config.LoadConfig(startupCtx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := application.SetupLogger(conf, "pg-migrator")

	// Connect to database with retry logic
	pool, err := application.OpenDBPoolWithRetry(startupCtx, conf)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("Database pool connection established")

	// Create database connection
	databaseConnection, err := db.NewDatabaseConnection(startupCtx, pool)
	if err != nil {
		log.Error("failed to create database connection", "error", err)
		os.Exit(1)
	}
	defer databaseConnection.Close()
	log.Info("Database connection established")

	// Run migrations
	err = databaseConnection.Migrate(startupCtx)
	if err != nil {
		log.Error("failed to run PostgreSQL migrations", "error", err)
		os.Exit(1)
	}

	log.Info("Database migrations completed successfully")
}
