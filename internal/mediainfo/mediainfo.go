// Package mediainfo extracts the technical metadata recorded for each media
// item: kind, display dimensions, duration, orientation and capture time.
package mediainfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"thirdcoast.systems/lumen/pkg/ffmpeg"
	"thirdcoast.systems/lumen/pkg/mediatype"
)

// ErrUnsupported is returned for files that are neither photos nor videos.
var ErrUnsupported = errors.New("mediainfo: unsupported media")

// Metadata describes a source file.
type Metadata struct {
	IsVideo bool
	// Width and Height are display dimensions, already swapped for
	// 90 and 270 degree orientations.
	Width       int
	Height      int
	DurationMS  int64
	Orientation int
	TakenAt     *time.Time
	MimeType    string
	SizeBytes   int64
}

// Duration returns the video length.
func (m Metadata) Duration() time.Duration {
	return time.Duration(m.DurationMS) * time.Millisecond
}

// ProbeFunc matches ffmpeg.Probe.
type ProbeFunc func(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)

// Analyzer probes files with ffprobe.
type Analyzer struct {
	probe ProbeFunc
}

// NewAnalyzer returns an Analyzer using ffmpeg.Probe.
func NewAnalyzer() *Analyzer {
	return &Analyzer{probe: ffmpeg.Probe}
}

// NewAnalyzerWithProbe returns an Analyzer using probe.
func NewAnalyzerWithProbe(probe ProbeFunc) *Analyzer {
	return &Analyzer{probe: probe}
}

// AnalyzeMedia probes absPath.
func (a *Analyzer) AnalyzeMedia(ctx context.Context, absPath string) (Metadata, error) {
	fi, err := os.Stat(absPath)
	if err != nil {
		return Metadata{}, err
	}
	kind := mediatype.Detect(absPath)
	if kind == mediatype.Unknown {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnsupported, absPath)
	}

	res, err := a.probe(ctx, absPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("probe %s: %w", absPath, err)
	}
	if res.VideoStreams == 0 {
		return Metadata{}, fmt.Errorf("%w: no video stream in %s", ErrUnsupported, absPath)
	}
	return fromProbe(res, kind, absPath, fi), nil
}

func fromProbe(res *ffmpeg.ProbeResult, kind mediatype.Kind, absPath string, fi os.FileInfo) Metadata {
	m := Metadata{
		IsVideo:     kind == mediatype.Video && !res.Still,
		Width:       res.Width,
		Height:      res.Height,
		Orientation: res.Rotation,
		TakenAt:     res.CreatedAt,
		MimeType:    mediatype.ContentType(absPath),
		SizeBytes:   fi.Size(),
	}
	if m.Orientation == 90 || m.Orientation == 270 {
		m.Width, m.Height = m.Height, m.Width
	}
	if m.IsVideo {
		m.DurationMS = int64(res.Duration * 1000)
	}
	if m.TakenAt == nil {
		t := fi.ModTime().UTC()
		m.TakenAt = &t
	}
	return m
}
