package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult is the subset of ffprobe output the library records.
type ProbeResult struct {
	Width       int
	Height      int
	FPS         float64
	VideoCodec  string
	PixelFormat string
	AudioCodec  string

	Duration   float64 // seconds, 0 for stills
	Bitrate    int64
	Size       int64
	FormatName string

	// Rotation is the display rotation in degrees clockwise, normalized to
	// 0, 90, 180 or 270.
	Rotation int
	// CreatedAt is the capture time from container or stream tags.
	CreatedAt *time.Time

	VideoStreams int
	AudioStreams int
	// Still is set for single-image inputs (jpeg, png, webp, heic...).
	Still bool
}

type ffprobeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	RFrameRate   string            `json:"r_frame_rate"`
	PixelFormat  string            `json:"pix_fmt"`
	NbFrames     string            `json:"nb_frames"`
	Tags         map[string]string `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
	Disposition struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

type ffprobeOutput struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		Size       string            `json:"size"`
		BitRate    string            `json:"bit_rate"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

// Probe runs ffprobe on path.
func Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, ProbeBinary,
		"-hide_banner",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(raw []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ffprobe: parse output: %w", err)
	}

	res := &ProbeResult{FormatName: out.Format.FormatName}
	res.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	res.Bitrate, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)
	res.Size, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	res.CreatedAt = captureTime(out.Format.Tags)

	var primary *ffprobeStream
	for i := range out.Streams {
		s := &out.Streams[i]
		switch s.CodecType {
		case "video":
			if s.Disposition.AttachedPic == 1 {
				continue
			}
			res.VideoStreams++
			if primary == nil {
				primary = s
			}
		case "audio":
			res.AudioStreams++
			if res.AudioCodec == "" {
				res.AudioCodec = s.CodecName
			}
		}
	}

	if primary != nil {
		res.Width = primary.Width
		res.Height = primary.Height
		res.VideoCodec = primary.CodecName
		res.PixelFormat = primary.PixelFormat
		res.FPS = parseFrameRate(primary.RFrameRate)
		res.Rotation = streamRotation(primary)
		if res.CreatedAt == nil {
			res.CreatedAt = captureTime(primary.Tags)
		}
	}
	res.Still = isStill(res, primary)
	if res.Still {
		res.Duration = 0
	}
	return res, nil
}

var stillFormats = map[string]bool{
	"image2": true, "png_pipe": true, "jpeg_pipe": true, "webp_pipe": true,
	"heif": true, "tiff_pipe": true, "bmp_pipe": true,
}

var stillCodecs = map[string]bool{
	"mjpeg": true, "png": true, "webp": true, "tiff": true, "bmp": true,
}

func isStill(res *ProbeResult, primary *ffprobeStream) bool {
	if primary == nil {
		return false
	}
	for _, name := range strings.Split(res.FormatName, ",") {
		if stillFormats[name] {
			return true
		}
	}
	return res.AudioStreams == 0 && stillCodecs[primary.CodecName] && (primary.NbFrames == "" || primary.NbFrames == "1") && res.Duration < 0.1
}

// streamRotation reads the display matrix side data, falling back to the
// legacy rotate tag. ffprobe reports side data counter-clockwise.
func streamRotation(s *ffprobeStream) int {
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			return normalizeRotation(-int(math.Round(sd.Rotation)))
		}
	}
	if v, ok := s.Tags["rotate"]; ok {
		if deg, err := strconv.Atoi(v); err == nil {
			return normalizeRotation(deg)
		}
	}
	return 0
}

func normalizeRotation(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return (deg + 45) / 90 * 90 % 360
}

var captureTags = []string{"creation_time", "com.apple.quicktime.creationdate", "datetimeoriginal", "date"}

var captureLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05-0700", "2006:01:02 15:04:05", "2006-01-02 15:04:05"}

func captureTime(tags map[string]string) *time.Time {
	if len(tags) == 0 {
		return nil
	}
	lower := make(map[string]string, len(tags))
	for k, v := range tags {
		lower[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	for _, key := range captureTags {
		v, ok := lower[key]
		if !ok || v == "" {
			continue
		}
		for _, layout := range captureLayouts {
			if t, err := time.Parse(layout, v); err == nil && t.Year() > 1970 {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

// parseFrameRate parses ffprobe rationals such as "30000/1001".
func parseFrameRate(rate string) float64 {
	var num, den int
	if _, err := fmt.Sscanf(rate, "%d/%d", &num, &den); err != nil || den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
