package thumbnails

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"thirdcoast.systems/lumen/internal/mediainfo"
	"thirdcoast.systems/lumen/pkg/ffmpeg"
)

// FFmpegGenerator renders a folder's file set with ffmpeg.
type FFmpegGenerator struct {
	layout Layout
	log    *slog.Logger

	extractFrame func(ctx context.Context, input, output string, opts ffmpeg.FrameOptions) error
	transcode    func(ctx context.Context, input, output string, opts ffmpeg.TranscodeOptions) error
}

// NewFFmpegGenerator returns a generator for layout.
func NewFFmpegGenerator(layout Layout, log *slog.Logger) *FFmpegGenerator {
	if log == nil {
		log = slog.Default()
	}
	return &FFmpegGenerator{
		layout:       layout,
		log:          log.With("component", "thumbnails"),
		extractFrame: ffmpeg.ExtractFrame,
		transcode:    ffmpeg.Transcode,
	}
}

// Generate writes every expected file for src into outDir, creating it.
// Files already present and valid are kept.
func (g *FFmpegGenerator) Generate(ctx context.Context, src, outDir string, meta mediainfo.Metadata) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	started := time.Now()

	if !meta.IsVideo {
		for _, h := range g.layout.Heights {
			if err := g.still(ctx, src, filepath.Join(outDir, g.layout.HeightName(h)), 0, h); err != nil {
				return err
			}
		}
		g.log.Debug("photo thumbnails generated", "src", src, "dir", outDir, "elapsed", time.Since(started))
		return nil
	}

	tallest := g.layout.MaxHeight()
	for _, p := range g.layout.StillPercentages {
		if err := g.still(ctx, src, filepath.Join(outDir, g.layout.PercentName(p)), seekFor(meta.Duration(), p), tallest); err != nil {
			return err
		}
	}
	posterAt := seekFor(meta.Duration(), g.layout.PosterPercentage())
	for _, h := range g.layout.Heights {
		if err := g.still(ctx, src, filepath.Join(outDir, g.layout.HeightName(h)), posterAt, h); err != nil {
			return err
		}
	}
	for _, h := range g.layout.TranscodeHeights {
		out := filepath.Join(outDir, g.layout.TranscodeName(h))
		if fileNonEmpty(out) {
			continue
		}
		if err := g.transcode(ctx, src, out, ffmpeg.TranscodeOptions{Height: h}); err != nil {
			_ = os.Remove(out)
			return err
		}
	}
	g.log.Debug("video thumbnails generated", "src", src, "dir", outDir, "duration", meta.Duration(), "elapsed", time.Since(started))
	return nil
}

func (g *FFmpegGenerator) still(ctx context.Context, src, out string, at time.Duration, height int) error {
	if imageReadable(out) {
		return nil
	}
	if err := g.extractFrame(ctx, src, out, ffmpeg.FrameOptions{At: at, Height: height}); err != nil {
		_ = os.Remove(out)
		return err
	}
	return nil
}

// seekFor returns the position p percent into d, kept off the final frame.
func seekFor(d time.Duration, p int) time.Duration {
	if d <= 0 {
		return 0
	}
	at := d * time.Duration(p) / 100
	if limit := d - 100*time.Millisecond; at > limit {
		at = max(limit, 0)
	}
	return at
}

func fileNonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}
