package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/mediaid"
	"thirdcoast.systems/lumen/internal/thumbnails"
)

// Ingest analyzes a source file, produces its thumbnail folder and records
// the MediaItem, replacing any previous item at the same path.
func (p *Pipeline) Ingest(ctx context.Context, job *jobs.Job) jobs.Result {
	rel := job.Path()
	if rel == "" {
		return jobs.Failf("ingest job %d has no relative path", job.ID)
	}
	log := p.log().With(job.LogAttrs()...)

	if ok, err := p.sourceExists(rel); err != nil {
		return jobs.Fail(err)
	} else if !ok {
		return jobs.Cancelled("source file missing")
	}
	userID, err := p.resolveUser(ctx, job)
	if err != nil {
		return jobs.Fail(err)
	}

	abs := p.absPath(rel)
	meta, err := p.Media.AnalyzeMedia(ctx, abs)
	if errors.Is(err, os.ErrNotExist) {
		return jobs.Cancelled("source file missing")
	}
	if err != nil {
		return jobs.Fail(fmt.Errorf("analyze media: %w", err))
	}
	hash, size, err := thumbnails.HashFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return jobs.Cancelled("source file missing")
	}
	if err != nil {
		return jobs.Fail(fmt.Errorf("hash source: %w", err))
	}

	id, reused, err := p.prepareThumbnails(ctx, rel, abs, hash, meta.IsVideo, func(dir string) error {
		return p.Thumbs.Generate(ctx, abs, dir, meta)
	})
	if err != nil {
		return jobs.Fail(err)
	}
	discard := func() {
		if !reused {
			if err := os.RemoveAll(p.thumbDir(id)); err != nil {
				log.Warn("failed to remove unused thumbnail folder", "media_item_id", id, "error", err)
			}
		}
	}

	if reason, err := p.checkpoint(ctx, job); err != nil {
		discard()
		return jobs.Fail(err)
	} else if reason != "" {
		discard()
		return jobs.Cancelled(reason)
	}

	item := &library.MediaItem{
		ID:           id,
		RelativePath: rel,
		UserID:       userID,
		IsVideo:      meta.IsVideo,
		Width:        meta.Width,
		Height:       meta.Height,
		DurationMS:   meta.DurationMS,
		Orientation:  meta.Orientation,
		TakenAt:      meta.TakenAt,
		MimeType:     meta.MimeType,
		ContentHash:  hash,
		SizeBytes:    size,
	}

	var oldID, attachedTo string
	err = p.Library.InTx(ctx, func(tx library.Tx) error {
		pending, err := tx.TakePendingAlbumItem(ctx, rel)
		if err != nil {
			return fmt.Errorf("take pending album item: %w", err)
		}
		if pending != nil && pending.RemoteUserIdentity != "" {
			rid, err := tx.EnsureRemoteUser(ctx, pending.UserID, pending.RemoteUserIdentity)
			if err != nil {
				return fmt.Errorf("ensure remote user: %w", err)
			}
			item.RemoteUserID = &rid
		}

		updated := false
		if reused {
			switch err := tx.UpdateMediaItem(ctx, item); {
			case err == nil:
				updated = true
			case !errors.Is(err, library.ErrNotFound):
				return fmt.Errorf("update media item: %w", err)
			}
		}
		if updated {
			if item.RemoteUserID != nil {
				if err := tx.SetMediaItemRemoteUser(ctx, id, *item.RemoteUserID); err != nil {
					return fmt.Errorf("set remote user: %w", err)
				}
			}
		} else {
			prev, found, err := tx.DeleteMediaItemByPath(ctx, rel)
			if err != nil {
				return fmt.Errorf("delete previous media item: %w", err)
			}
			if found && prev != id {
				oldID = prev
			}
			if err := tx.InsertMediaItem(ctx, item); err != nil {
				return fmt.Errorf("insert media item: %w", err)
			}
		}

		if pending != nil && pending.AlbumID != "" {
			if _, err := tx.AddAlbumMediaItem(ctx, pending.AlbumID, id); err != nil {
				return fmt.Errorf("attach to album %s: %w", pending.AlbumID, err)
			}
			attachedTo = pending.AlbumID
		}
		return nil
	})
	if err != nil {
		discard()
		return jobs.Fail(err)
	}

	if oldID != "" {
		if err := os.RemoveAll(p.thumbDir(oldID)); err != nil {
			log.Warn("failed to remove replaced thumbnail folder", "old_media_item_id", oldID, "error", err)
		}
	}
	log.Info("media item ingested",
		"media_item_id", id,
		"video", meta.IsVideo,
		"size", humanize.Bytes(uint64(size)),
		"reused_thumbnails", reused,
		"replaced", oldID,
		"album_id", attachedTo,
	)
	return jobs.Done()
}

// prepareThumbnails returns the id whose folder holds a complete set for
// rel. An existing item with the same content and a complete folder keeps
// its id. Otherwise a new id is minted and its folder is filled from the
// content cache or by generate.
func (p *Pipeline) prepareThumbnails(ctx context.Context, rel, abs, hash string, isVideo bool, generate func(dir string) error) (id string, reused bool, err error) {
	existing, err := p.Library.MediaItemByPath(ctx, rel)
	if err != nil && !errors.Is(err, library.ErrNotFound) {
		return "", false, fmt.Errorf("lookup media item: %w", err)
	}
	if existing != nil && existing.ContentHash == hash && existing.IsVideo == isVideo &&
		p.Layout.Complete(p.thumbDir(existing.ID), isVideo) {
		return existing.ID, true, nil
	}

	id = mediaid.New()
	dir := p.thumbDir(id)
	names := p.Layout.Expected(isVideo)
	log := p.log().With("media_item_id", id, "relative_path", rel)

	hit, err := p.Cache.Fetch(ctx, hash, dir, names)
	if err != nil {
		log.Warn("thumbnail cache fetch failed", "hash", hash, "error", err)
		hit = false
	}
	if hit && p.Layout.Complete(dir, isVideo) {
		return id, false, nil
	}

	if err := generate(dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", false, fmt.Errorf("generate thumbnails: %w", err)
	}
	if !p.Layout.Complete(dir, isVideo) {
		_ = os.RemoveAll(dir)
		return "", false, fmt.Errorf("thumbnail set for %s incomplete after generation", rel)
	}
	if err := p.Cache.Store(ctx, hash, dir, names); err != nil {
		log.Warn("thumbnail cache store failed", "hash", hash, "error", err)
	}
	return id, false, nil
}
