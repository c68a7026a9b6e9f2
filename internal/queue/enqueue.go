// Package queue turns requests into job rows and drives claimed jobs through
// their handlers: the enqueue service, the per-worker claim loop with its
// heartbeat, and the stale-job reaper.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/pkg/mediatype"
)

// Request describes a job to enqueue.
type Request struct {
	Type         jobs.Type
	RelativePath string
	UserID       *int64
	Payload      jobs.Payload
}

// Enqueuer creates job rows with their priority, deduplication and
// supersede rules applied.
type Enqueuer struct {
	store       jobs.Store
	mediaRoot   string
	maxAttempts int
	isVideo     func(absPath string) bool
	log         *slog.Logger
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithVideoClassifier overrides content-based video detection.
func WithVideoClassifier(fn func(absPath string) bool) EnqueuerOption {
	return func(e *Enqueuer) { e.isVideo = fn }
}

// WithEnqueueLogger sets the logger.
func WithEnqueueLogger(l *slog.Logger) EnqueuerOption {
	return func(e *Enqueuer) { e.log = l }
}

// NewEnqueuer returns an Enqueuer resolving relative paths against mediaRoot.
func NewEnqueuer(store jobs.Store, mediaRoot string, maxAttempts int, opts ...EnqueuerOption) *Enqueuer {
	e := &Enqueuer{
		store:       store,
		mediaRoot:   mediaRoot,
		maxAttempts: max(maxAttempts, 1),
		isVideo:     mediatype.IsVideo,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enqueue inserts the job unless an identical live job exists. Remove jobs
// first cancel every live Ingest and Analysis job for the same path and are
// never deduplicated.
func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (bool, error) {
	if !req.Type.Valid() {
		return false, fmt.Errorf("enqueue: unknown job type %q", req.Type)
	}

	var relPath *string
	video := false
	if req.RelativePath != "" {
		clean, err := CleanRelativePath(req.RelativePath)
		if err != nil {
			return false, fmt.Errorf("enqueue %s: %w", req.Type, err)
		}
		relPath = &clean
		if req.Type == jobs.TypeIngest || req.Type == jobs.TypeAnalysis {
			video = e.isVideo(filepath.Join(e.mediaRoot, filepath.FromSlash(clean)))
		}
	}

	payload, err := jobs.EncodePayload(req.Type, req.Payload)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", req.Type, err)
	}

	nj := jobs.NewJob{
		Type:         req.Type,
		RelativePath: relPath,
		UserID:       req.UserID,
		Payload:      payload,
		Priority:     jobs.PriorityFor(req.Type, video),
		MaxAttempts:  e.maxAttempts,
		Dedupe:       req.Type != jobs.TypeRemove,
	}
	if req.Type == jobs.TypeRemove {
		nj.Supersedes = []jobs.Type{jobs.TypeIngest, jobs.TypeAnalysis}
	}

	id, created, err := e.store.EnqueueJob(ctx, nj)
	if err != nil {
		return false, fmt.Errorf("enqueue %s %q: %w", req.Type, req.RelativePath, err)
	}
	if created {
		e.log.Debug("job enqueued", "job_id", id, "job_type", string(req.Type), "relative_path", req.RelativePath, "priority", nj.Priority)
	} else {
		e.log.Debug("job already live", "job_id", id, "job_type", string(req.Type), "relative_path", req.RelativePath)
	}
	return created, nil
}

// EnqueueFullIngest enqueues Ingest followed by Analysis for relPath.
// Analysis defers itself until the ingest has landed.
func (e *Enqueuer) EnqueueFullIngest(ctx context.Context, relPath string, userID int64) error {
	uid := userID
	for _, t := range []jobs.Type{jobs.TypeIngest, jobs.TypeAnalysis} {
		if _, err := e.Enqueue(ctx, Request{Type: t, RelativePath: relPath, UserID: &uid}); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueRemove enqueues a Remove for relPath.
func (e *Enqueuer) EnqueueRemove(ctx context.Context, relPath string, userID *int64) error {
	_, err := e.Enqueue(ctx, Request{Type: jobs.TypeRemove, RelativePath: relPath, UserID: userID})
	return err
}

// EnqueueCleanDB enqueues a CleanDB sweep.
func (e *Enqueuer) EnqueueCleanDB(ctx context.Context) error {
	_, err := e.Enqueue(ctx, Request{Type: jobs.TypeCleanDB})
	return err
}

// CleanRelativePath normalizes p to a slash separated path inside the
// media root.
func CleanRelativePath(p string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || clean == "" {
		return "", fmt.Errorf("empty relative path")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("relative path %q escapes the media root", p)
	}
	return clean, nil
}
