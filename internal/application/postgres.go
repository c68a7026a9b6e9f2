package application

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"thirdcoast.systems/lumen/internal/config"
)

var (
	dbOpenBackoffBase  = 1 * time.Second
	dbOpenBackoffScale = 1.618
)

func openBackoff(attempt int) time.Duration {
	return time.Duration(float64(dbOpenBackoffBase) * math.Pow(dbOpenBackoffScale, float64(attempt)))
}

// OpenDBPoolWithRetry initializes a new PostgreSQL connection pool with retry logic.
func OpenDBPoolWithRetry(ctx context.Context, conf *config.Config) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var lastErr error

	cfg, err := pgxpool.ParseConfig(conf.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	// One connection per worker loop plus heartbeats, the reaper and LISTEN.
	if floor := int32(conf.Workers*2 + 2); cfg.MaxConns < floor {
		cfg.MaxConns = floor
	}

	host := cfg.ConnConfig.Host
	slog.Info("connecting to database", "host", host)
	retries := max(conf.DatabaseRetries, 1)
	for i := 0; i < retries; i++ {
		if pool, err = pgxpool.NewWithConfig(ctx, cfg); err == nil {
			break
		}
		lastErr = err

		backoff := openBackoff(i)
		slog.Warn("database connect failed", "host", host, "error", err, "retry_in", backoff)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
	}

	if pool == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("failed to connect to database after multiple attempts: %w", lastErr)
		}
		return nil, fmt.Errorf("failed to connect to database after multiple attempts")
	}

	for i := 0; i < retries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			slog.Info("connected to database", "host", host, "max_conns", cfg.MaxConns)
			return pool, nil
		}
		lastErr = err

		backoff := openBackoff(i)
		slog.Warn("database ping failed", "host", host, "error", err, "retry_in", backoff)
		if err := sleepCtx(ctx, backoff); err != nil {
			pool.Close()
			return nil, err
		}
	}
	pool.Close()
	return nil, fmt.Errorf("failed to ping database after multiple attempts: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
