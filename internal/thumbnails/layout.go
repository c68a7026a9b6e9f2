// Package thumbnails generates, validates and caches the per-item thumbnail
// folders under the thumbnail root.
//
// A photo folder holds one still per configured height ({h}p.{ext}). A video
// folder holds stills at configured percentages ({p}_percent.{ext}), one
// poster per height ({h}p.{ext}) and one preview transcode per transcode
// height ({h}p.{videoExt}).
package thumbnails

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/webp"

	"thirdcoast.systems/lumen/internal/config"
)

// Layout is the expected file set of a thumbnail folder.
type Layout struct {
	Heights          []int
	StillPercentages []int
	TranscodeHeights []int
	ImageExt         string
	VideoExt         string
}

// LayoutFromConfig reads the layout settings.
func LayoutFromConfig(cfg *config.Config) Layout {
	return Layout{
		Heights:          slices.Clone(cfg.ThumbnailHeights),
		StillPercentages: slices.Clone(cfg.VideoStillPercentages),
		TranscodeHeights: slices.Clone(cfg.TranscodeHeights),
		ImageExt:         cfg.ThumbnailExt,
		VideoExt:         cfg.VideoExt,
	}
}

// HeightName is the still for height h.
func (l Layout) HeightName(h int) string {
	return fmt.Sprintf("%dp.%s", h, l.ImageExt)
}

// PercentName is the video still taken at p percent of the duration.
func (l Layout) PercentName(p int) string {
	return fmt.Sprintf("%d_percent.%s", p, l.ImageExt)
}

// TranscodeName is the preview rendition at height h.
func (l Layout) TranscodeName(h int) string {
	return fmt.Sprintf("%dp.%s", h, l.VideoExt)
}

// MaxHeight is the largest configured still height.
func (l Layout) MaxHeight() int {
	if len(l.Heights) == 0 {
		return 0
	}
	return slices.Max(l.Heights)
}

// PosterPercentage is the position posters are cut from: the middle
// configured still.
func (l Layout) PosterPercentage() int {
	if len(l.StillPercentages) == 0 {
		return 50
	}
	sorted := slices.Sorted(slices.Values(l.StillPercentages))
	return sorted[len(sorted)/2]
}

// Expected lists the file names a complete folder holds.
func (l Layout) Expected(isVideo bool) []string {
	var names []string
	for _, h := range l.Heights {
		names = append(names, l.HeightName(h))
	}
	if !isVideo {
		return names
	}
	for _, p := range l.StillPercentages {
		names = append(names, l.PercentName(p))
	}
	for _, h := range l.TranscodeHeights {
		names = append(names, l.TranscodeName(h))
	}
	return names
}

// Frame is one image the visual analyzer looks at.
type Frame struct {
	// Marker is the still percentage for videos and 0 for photos.
	Marker int
	Name   string
}

// AnalysisFrames lists the stills analyzed for an item: the largest still
// for photos and every percentage still for videos.
func (l Layout) AnalysisFrames(isVideo bool) []Frame {
	if !isVideo {
		return []Frame{{Marker: 0, Name: l.HeightName(l.MaxHeight())}}
	}
	frames := make([]Frame, 0, len(l.StillPercentages))
	for _, p := range l.StillPercentages {
		frames = append(frames, Frame{Marker: p, Name: l.PercentName(p)})
	}
	return frames
}

// Complete reports whether dir holds every expected file and every image
// in it decodes.
func (l Layout) Complete(dir string, isVideo bool) bool {
	for _, name := range l.Expected(isVideo) {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
			return false
		}
		if strings.HasSuffix(name, "."+l.ImageExt) && !imageReadable(p) {
			return false
		}
	}
	return true
}

func imageReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	return err == nil && cfg.Width > 0 && cfg.Height > 0
}
