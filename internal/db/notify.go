package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listenRetryDelay = 2 * time.Second

// listenAndSignal holds a dedicated connection LISTENing on channel and does
// a non-blocking send on signalCh per notification. It reconnects until ctx ends.
func listenAndSignal(ctx context.Context, dsn string, channel string, signalCh chan<- struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Parse using pgxpool so pool_* DSN params are consumed client-side
		// (otherwise they get forwarded to Postgres as startup params and cause FATAL).
		poolConf, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			slog.Error("listen parse config failed", "channel", channel, "error", err)
			return
		}

		conn, err := pgx.ConnectConfig(ctx, poolConf.ConnConfig)
		if err != nil {
			slog.Error("listen connect failed", "channel", channel, "error", err)
			if !pause(ctx, listenRetryDelay) {
				return
			}
			continue
		}

		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			slog.Error("LISTEN failed", "channel", channel, "error", err)
			_ = conn.Close(context.Background())
			if !pause(ctx, listenRetryDelay) {
				return
			}
			continue
		}

		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					slog.Error("wait for notification failed", "channel", channel, "error", err)
				}
				_ = conn.Close(context.Background())
				break
			}

			select {
			case signalCh <- struct{}{}:
			default:
			}
		}
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
