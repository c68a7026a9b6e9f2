// Package pipeline implements the library job handlers: Ingest, Analysis,
// Remove and the Scan and CleanDB maintenance jobs.
//
// Handlers never rely on being interrupted. Before any irreversible step
// they re-check that the source file still exists and that their job row
// has not been cancelled, and return a Cancelled result when either fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/mediainfo"
	"thirdcoast.systems/lumen/internal/queue"
	"thirdcoast.systems/lumen/internal/thumbnails"
)

// MediaAnalyzer extracts technical metadata from a source file.
type MediaAnalyzer interface {
	AnalyzeMedia(ctx context.Context, absPath string) (mediainfo.Metadata, error)
}

// Thumbnailer renders the thumbnail set for a source file into outDir.
type Thumbnailer interface {
	Generate(ctx context.Context, src, outDir string, meta mediainfo.Metadata) error
}

// VisualAnalyzer analyzes one still.
type VisualAnalyzer interface {
	AnalyzeImage(ctx context.Context, path string, marker int) (library.VisualAnalysis, error)
}

// StatusChecker reads a job row's status.
type StatusChecker interface {
	JobStatus(ctx context.Context, id int64) (jobs.Status, error)
}

// Pipeline holds the collaborators shared by every handler.
type Pipeline struct {
	Library  library.Store
	Jobs     StatusChecker
	Enqueuer *queue.Enqueuer
	Media    MediaAnalyzer
	Thumbs   Thumbnailer
	Cache    thumbnails.Cache
	Visual   VisualAnalyzer
	Layout   thumbnails.Layout

	MediaDir     string
	ThumbnailDir string
	// AnalysisConcurrency bounds concurrent visual analyzer calls per job.
	AnalysisConcurrency int
	Logger              *slog.Logger
}

func (p *Pipeline) log() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Register binds every handler to d.
func (p *Pipeline) Register(d *queue.Dispatcher) {
	d.Register(jobs.TypeIngest, jobs.HandlerFunc(p.Ingest))
	d.Register(jobs.TypeAnalysis, jobs.HandlerFunc(p.Analysis))
	d.Register(jobs.TypeRemove, jobs.HandlerFunc(p.Remove))
	d.Register(jobs.TypeScan, jobs.HandlerFunc(p.Scan))
	d.Register(jobs.TypeCleanDB, jobs.HandlerFunc(p.CleanDB))
}

func (p *Pipeline) absPath(rel string) string {
	return filepath.Join(p.MediaDir, filepath.FromSlash(rel))
}

func (p *Pipeline) thumbDir(id string) string {
	return filepath.Join(p.ThumbnailDir, id)
}

// sourceExists reports whether the file at rel is present. Errors other
// than absence are returned.
func (p *Pipeline) sourceExists(rel string) (bool, error) {
	_, err := os.Stat(p.absPath(rel))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}
	return true, nil
}

// errCancelled aborts a transaction from inside its callback.
var errCancelled = errors.New("job cancelled")

// checkpoint returns a non-empty reason when job should stop: its source
// file is gone or its row was cancelled or deleted.
func (p *Pipeline) checkpoint(ctx context.Context, job *jobs.Job) (string, error) {
	ok, err := p.sourceExists(job.Path())
	if err != nil {
		return "", err
	}
	if !ok {
		return "source file disappeared", nil
	}
	status, err := p.Jobs.JobStatus(ctx, job.ID)
	if errors.Is(err, jobs.ErrNotFound) {
		return "job row removed", nil
	}
	if err != nil {
		return "", fmt.Errorf("job status: %w", err)
	}
	if status == jobs.StatusCancelled {
		return "job cancelled", nil
	}
	return "", nil
}

// resolveUser returns the job's owner, falling back to the user whose media
// folder contains the path.
func (p *Pipeline) resolveUser(ctx context.Context, job *jobs.Job) (int64, error) {
	if job.UserID != nil {
		return *job.UserID, nil
	}
	users, err := p.Library.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	u, ok := library.UserForPath(users, job.Path())
	if !ok {
		return 0, fmt.Errorf("no user owns %q", job.Path())
	}
	return u.ID, nil
}
