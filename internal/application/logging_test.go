package application

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupLogger_JSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json", "worker")

	logger.Info("hidden")
	logger.Warn("shown", "job_id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "worker", rec["bin"])
	require.EqualValues(t, 7, rec["job_id"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestOpenBackoff_Grows(t *testing.T) {
	require.Equal(t, dbOpenBackoffBase, openBackoff(0))
	require.Greater(t, openBackoff(2), openBackoff(1))
}
