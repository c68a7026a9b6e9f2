// Package visual talks to the image analysis sidecar that detects faces and
// objects, reads text, scores quality, extracts colors and writes captions.
package visual

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"thirdcoast.systems/lumen/internal/library"
)

// ErrDisabled is returned when no analyzer URL is configured.
var ErrDisabled = errors.New("visual: analyzer not configured")

// Client calls POST {baseURL}/v1/analyze with the image as multipart data.
type Client struct {
	client *resty.Client
}

// NewClient returns a Client for baseURL. An empty baseURL yields a client
// whose calls fail with ErrDisabled.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		return &Client{}
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{client: c}
}

type analyzeResponse struct {
	Faces          int      `json:"faces"`
	Objects        []string `json:"objects"`
	OCRText        string   `json:"ocr_text"`
	QualityScore   float64  `json:"quality_score"`
	DominantColors []string `json:"dominant_colors"`
	Caption        string   `json:"caption"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AnalyzeImage analyzes the image at path. marker is the still percentage
// for video frames and 0 for photos; it is echoed into the result.
func (c *Client) AnalyzeImage(ctx context.Context, path string, marker int) (library.VisualAnalysis, error) {
	if c.client == nil {
		return library.VisualAnalysis{}, ErrDisabled
	}

	var out analyzeResponse
	var apiErr errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFile("image", path).
		SetFormData(map[string]string{"frame_marker": strconv.Itoa(marker)}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/analyze")
	if err != nil {
		return library.VisualAnalysis{}, fmt.Errorf("visual analyze %s: %w", path, err)
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return library.VisualAnalysis{}, fmt.Errorf("visual analyze %s: status %d: %s", path, resp.StatusCode(), apiErr.Error)
		}
		return library.VisualAnalysis{}, fmt.Errorf("visual analyze %s: status %d", path, resp.StatusCode())
	}

	return library.VisualAnalysis{
		FrameMarker:    marker,
		Faces:          out.Faces,
		Objects:        out.Objects,
		OCRText:        out.OCRText,
		QualityScore:   out.QualityScore,
		DominantColors: out.DominantColors,
		Caption:        out.Caption,
	}, nil
}
