package ffmpeg

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FrameOptions configures ExtractFrame.
type FrameOptions struct {
	// At is the input position; zero for stills.
	At time.Duration
	// Height is the output height in pixels. Inputs are never upscaled.
	Height int
	// Quality is passed through as -q:v; zero picks a default for the
	// output extension.
	Quality int
}

// ExtractFrame writes one frame of input to output, scaled to opts.Height.
// The image format follows output's extension.
func ExtractFrame(ctx context.Context, input, output string, opts FrameOptions) error {
	if opts.Height <= 0 {
		return fmt.Errorf("ffmpeg: frame height must be positive, got %d", opts.Height)
	}
	q := opts.Quality
	if q == 0 {
		q = defaultQuality(output)
	}
	cmdOpts := []Option{
		LogLevel("error"),
		FitHeight(opts.Height),
		Frames(1),
		Quality(q),
	}
	if opts.At > 0 {
		cmdOpts = append(cmdOpts, Seek(opts.At))
	}
	if err := Run(ctx, input, output, cmdOpts...); err != nil {
		return fmt.Errorf("extract frame at %s: %w", opts.At, err)
	}
	return nil
}

// TranscodeOptions configures Transcode.
type TranscodeOptions struct {
	Height int
	CRF    int    // default 26
	Preset string // default "veryfast"
}

// Transcode re-encodes a video into a web friendly preview rendition at
// opts.Height. mp4 outputs get h264/aac, webm outputs vp9/opus.
func Transcode(ctx context.Context, input, output string, opts TranscodeOptions) error {
	if opts.Height <= 0 {
		return fmt.Errorf("ffmpeg: transcode height must be positive, got %d", opts.Height)
	}
	if opts.CRF == 0 {
		opts.CRF = 26
	}
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}

	cmdOpts := []Option{LogLevel("error"), FitHeight(opts.Height), PixelFormat("yuv420p"), CRF(opts.CRF)}
	switch strings.ToLower(filepath.Ext(output)) {
	case ".webm":
		cmdOpts = append(cmdOpts, VideoCodec("libvpx-vp9"), ExtraArgs("-b:v", "0"), AudioCodec("libopus"), AudioBitrate("96k"))
	default:
		cmdOpts = append(cmdOpts, VideoCodec("libx264"), Preset(opts.Preset), AudioCodec("aac"), AudioBitrate("128k"))
	}
	if err := Run(ctx, input, output, cmdOpts...); err != nil {
		return fmt.Errorf("transcode to %dp: %w", opts.Height, err)
	}
	return nil
}

func defaultQuality(output string) int {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".webp":
		return 80
	default:
		return 3
	}
}
