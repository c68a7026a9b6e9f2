package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/mediaid"
	"thirdcoast.systems/lumen/pkg/mediatype"
)

// orphanGrace keeps fresh thumbnail folders that an in-flight ingest has
// not committed yet.
const orphanGrace = 24 * time.Hour

// Scan walks the media folders and enqueues a full ingest for every media
// file that has no MediaItem. A job with a user id only scans that user.
func (p *Pipeline) Scan(ctx context.Context, job *jobs.Job) jobs.Result {
	log := p.log().With(job.LogAttrs()...)

	users, err := p.Library.Users(ctx)
	if err != nil {
		return jobs.Fail(fmt.Errorf("list users: %w", err))
	}
	items, err := p.Library.ListMediaItems(ctx)
	if err != nil {
		return jobs.Fail(fmt.Errorf("list media items: %w", err))
	}
	known := make(map[string]struct{}, len(items))
	for _, it := range items {
		known[it.RelativePath] = struct{}{}
	}

	enqueued := 0
	for _, u := range users {
		if job.UserID != nil && *job.UserID != u.ID {
			continue
		}
		n, err := p.scanFolder(ctx, u, known)
		enqueued += n
		if err != nil {
			return jobs.Fail(fmt.Errorf("scan %s: %w", u.MediaFolder, err))
		}
	}
	log.Info("media scan finished", "users", len(users), "known", len(known), "enqueued", enqueued)
	return jobs.Done()
}

func (p *Pipeline) scanFolder(ctx context.Context, u *library.User, known map[string]struct{}) (int, error) {
	root := p.absPath(u.MediaFolder)
	enqueued := 0
	err := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.HasPrefix(d.Name(), ".") && abs != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || mediatype.ByExtension(d.Name()) == mediatype.Unknown {
			return nil
		}
		relOS, err := filepath.Rel(p.MediaDir, abs)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relOS)
		if _, ok := known[rel]; ok {
			return nil
		}
		if err := p.Enqueuer.EnqueueFullIngest(ctx, rel, u.ID); err != nil {
			return err
		}
		enqueued++
		return nil
	})
	return enqueued, err
}

// CleanDB enqueues Remove for MediaItems whose source file is gone and
// deletes thumbnail folders no MediaItem owns.
func (p *Pipeline) CleanDB(ctx context.Context, job *jobs.Job) jobs.Result {
	log := p.log().With(job.LogAttrs()...)

	items, err := p.Library.ListMediaItems(ctx)
	if err != nil {
		return jobs.Fail(fmt.Errorf("list media items: %w", err))
	}
	owned := make(map[string]struct{}, len(items))
	removed := 0
	for _, it := range items {
		owned[it.ID] = struct{}{}
		ok, err := p.sourceExists(it.RelativePath)
		if err != nil {
			return jobs.Fail(err)
		}
		if ok {
			continue
		}
		uid := it.UserID
		if err := p.Enqueuer.EnqueueRemove(ctx, it.RelativePath, &uid); err != nil {
			return jobs.Fail(err)
		}
		removed++
	}

	entries, err := os.ReadDir(p.ThumbnailDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return jobs.Fail(fmt.Errorf("read thumbnail dir: %w", err))
	}
	orphans := 0
	for _, e := range entries {
		if !e.IsDir() || !mediaid.Valid(e.Name()) {
			continue
		}
		if _, ok := owned[e.Name()]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < orphanGrace {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.ThumbnailDir, e.Name())); err != nil {
			log.Warn("failed to remove orphan thumbnail folder", "folder", e.Name(), "error", err)
			continue
		}
		orphans++
	}

	log.Info("library cleanup finished", "items", len(items), "remove_enqueued", removed, "orphan_folders", orphans)
	return jobs.Done()
}
