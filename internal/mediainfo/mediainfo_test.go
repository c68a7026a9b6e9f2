package mediainfo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thirdcoast.systems/lumen/pkg/ffmpeg"
)

func writeFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("not really media"), 0o644))
	return p
}

func TestAnalyzeVideoSwapsRotatedDimensions(t *testing.T) {
	taken := time.Date(2024, 7, 4, 18, 30, 0, 0, time.UTC)
	a := NewAnalyzerWithProbe(func(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
		return &ffmpeg.ProbeResult{Width: 1920, Height: 1080, Rotation: 90, Duration: 12.5, VideoStreams: 1, CreatedAt: &taken}, nil
	})

	m, err := a.AnalyzeMedia(t.Context(), writeFile(t, "clip.mov"))
	require.NoError(t, err)
	require.True(t, m.IsVideo)
	require.Equal(t, 1080, m.Width)
	require.Equal(t, 1920, m.Height)
	require.Equal(t, 90, m.Orientation)
	require.Equal(t, int64(12500), m.DurationMS)
	require.Equal(t, taken, *m.TakenAt)
	require.Equal(t, "video/quicktime", m.MimeType)
}

func TestAnalyzePhotoFallsBackToModTime(t *testing.T) {
	a := NewAnalyzerWithProbe(func(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
		return &ffmpeg.ProbeResult{Width: 4032, Height: 3024, VideoStreams: 1, Still: true}, nil
	})
	p := writeFile(t, "img.jpg")
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	m, err := a.AnalyzeMedia(t.Context(), p)
	require.NoError(t, err)
	require.False(t, m.IsVideo)
	require.Zero(t, m.DurationMS)
	require.Equal(t, mtime, *m.TakenAt)
	require.Equal(t, int64(len("not really media")), m.SizeBytes)
}

func TestAnalyzeErrors(t *testing.T) {
	probeErr := errors.New("boom")
	a := NewAnalyzerWithProbe(func(ctx context.Context, path string) (*ffmpeg.ProbeResult, error) {
		return nil, probeErr
	})

	_, err := a.AnalyzeMedia(t.Context(), filepath.Join(t.TempDir(), "missing.jpg"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = a.AnalyzeMedia(t.Context(), writeFile(t, "notes.txt"))
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = a.AnalyzeMedia(t.Context(), writeFile(t, "img.png"))
	require.ErrorIs(t, err, probeErr)
}
