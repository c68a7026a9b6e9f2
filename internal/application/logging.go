package application

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"thirdcoast.systems/lumen/internal/config"
)

// SetupLogger installs the process-wide slog handler described by cfg and
// returns the logger tagged with the binary name.
func SetupLogger(cfg *config.Config, binary string) *slog.Logger {
	return setupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat, binary)
}

func setupLogger(w io.Writer, level, format, binary string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(h).With("bin", binary)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
