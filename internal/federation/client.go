package federation

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"thirdcoast.systems/lumen/pkg/mediatype"
)

// InviteSummary is the remote view of an invited album.
type InviteSummary struct {
	AlbumName        string   `json:"albumName"`
	AlbumDescription string   `json:"albumDescription"`
	MediaItemIDs     []string `json:"mediaItemIds"`
}

// StatusError is a non-2xx answer from a remote instance.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.Code)
	}
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

// ClientOptions tunes a Client.
type ClientOptions struct {
	Timeout time.Duration
	// RatePerSecond caps outbound requests across every remote. Zero
	// disables the limit.
	RatePerSecond      float64
	InsecureSkipVerify bool
	Logger             *slog.Logger
}

// Client calls the s2s endpoints of remote instances.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewClient returns a Client.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	hc := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "lumen-federation/1").
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= http.StatusInternalServerError
		})
	if opts.InsecureSkipVerify {
		hc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Client{
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		log:     opts.Logger.With("component", "federation_client"),
	}
}

func (c *Client) request(ctx context.Context, token string) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

func endpoint(remoteURL, path string) string {
	return strings.TrimRight(remoteURL, "/") + path
}

// InviteSummary fetches the album the token grants access to.
func (c *Client) InviteSummary(ctx context.Context, remoteURL, token string) (*InviteSummary, error) {
	req, err := c.request(ctx, token)
	if err != nil {
		return nil, err
	}
	var out InviteSummary
	resp, err := req.
		SetHeader("Accept", "application/json").
		SetResult(&out).
		Get(endpoint(remoteURL, "/s2s/albums/invite-summary"))
	if err != nil {
		return nil, fmt.Errorf("invite summary from %s: %w", remoteURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("invite summary from %s: %w", remoteURL, &StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(resp.String())})
	}
	return &out, nil
}

// Download streams a remote media item into destDir as stem plus the
// extension of the served filename and returns the final path. The file
// only appears under its final name once fully written.
func (c *Client) Download(ctx context.Context, remoteURL, token, mediaItemID, destDir, stem string) (string, error) {
	req, err := c.request(ctx, token)
	if err != nil {
		return "", err
	}
	// Remotes that only read relativePath get the id the summary listed.
	resp, err := req.
		SetDoNotParseResponse(true).
		SetQueryParams(map[string]string{
			"mediaItemId":  mediaItemID,
			"relativePath": mediaItemID,
		}).
		Get(endpoint(remoteURL, "/s2s/albums/files"))
	if err != nil {
		return "", fmt.Errorf("download %s from %s: %w", mediaItemID, remoteURL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		msg, _ := io.ReadAll(io.LimitReader(body, 4<<10))
		return "", fmt.Errorf("download %s from %s: %w", mediaItemID, remoteURL, &StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(string(msg))})
	}

	ext := servedExtension(resp.Header())
	if ext == "" || mediatype.ByExtension(ext) == mediatype.Unknown {
		return "", fmt.Errorf("download %s from %s: unsupported file type %q", mediaItemID, remoteURL, ext)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, body)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("download %s from %s: %w", mediaItemID, remoteURL, err)
	}
	if n == 0 {
		return "", fmt.Errorf("download %s from %s: empty body", mediaItemID, remoteURL)
	}

	final := filepath.Join(destDir, stem+ext)
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("move download into place: %w", err)
	}
	c.log.Debug("remote file downloaded", "remote_url", remoteURL, "media_item_id", mediaItemID, "bytes", n, "path", final)
	return final, nil
}

// servedExtension takes the lowercased extension from the
// Content-Disposition filename, falling back to the Content-Type.
func servedExtension(h http.Header) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if ext := filepath.Ext(filepath.Base(params["filename"])); ext != "" {
				return strings.ToLower(ext)
			}
		}
	}
	if ct := h.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err == nil {
			if ext := mediatype.ExtensionForMIME(mt); ext != "" {
				return ext
			}
		}
	}
	return ""
}

// IsPermanent reports whether err is a remote refusal that retrying will
// not fix.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return errors.Is(err, ErrInvalidToken)
	}
	switch se.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}
