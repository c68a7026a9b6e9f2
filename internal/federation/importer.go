package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/mediaid"
	"thirdcoast.systems/lumen/internal/queue"
	"thirdcoast.systems/lumen/pkg/mediatype"
	"thirdcoast.systems/lumen/pkg/utils/filename"
	"thirdcoast.systems/lumen/pkg/utils/markdown"
)

const (
	importsFolder        = "imports"
	maxDescriptionLength = 4000
	defaultAlbumName     = "Imported album"
)

// Remote is the part of Client the import handlers use.
type Remote interface {
	InviteSummary(ctx context.Context, remoteURL, token string) (*InviteSummary, error)
	Download(ctx context.Context, remoteURL, token, mediaItemID, destDir, stem string) (string, error)
}

// Importer runs the ImportAlbum and ImportAlbumItem jobs.
type Importer struct {
	Library  library.Store
	Enqueuer *queue.Enqueuer
	Remote   Remote
	MediaDir string
	Logger   *slog.Logger
}

func (im *Importer) log() *slog.Logger {
	if im.Logger == nil {
		return slog.Default()
	}
	return im.Logger
}

// Register binds both import handlers to d.
func (im *Importer) Register(d *queue.Dispatcher) {
	d.Register(jobs.TypeImportAlbum, jobs.HandlerFunc(im.ImportAlbum))
	d.Register(jobs.TypeImportAlbumItem, jobs.HandlerFunc(im.ImportAlbumItem))
}

// remoteFailure drops the job when the remote refuses the invite for good
// and retries otherwise.
func (im *Importer) remoteFailure(job *jobs.Job, err error) jobs.Result {
	if IsPermanent(err) {
		im.log().Warn("remote refused import", append(job.LogAttrs(), "error", err)...)
		return jobs.Cancelled("remote refused: " + err.Error())
	}
	return jobs.Fail(err)
}

// ImportAlbum reads the invite summary, creates the local album and
// enqueues one ImportAlbumItem per remote media item. The album id is
// derived from the user, the issuer and the remote album, so a rerun
// lands in the same album.
func (im *Importer) ImportAlbum(ctx context.Context, job *jobs.Job) jobs.Result {
	p, ok := job.Payload.(jobs.ImportAlbumPayload)
	if !ok {
		return jobs.Failf("import album job %d has no import payload", job.ID)
	}
	userID := job.User()
	if userID == 0 {
		return jobs.Failf("import album job %d has no user", job.ID)
	}
	log := im.log().With(job.LogAttrs()...)

	claims, err := Peek(p.Token)
	if err != nil {
		return im.remoteFailure(job, err)
	}
	remoteURL := p.RemoteURL
	if remoteURL == "" {
		remoteURL = claims.Issuer
	}

	summary, err := im.Remote.InviteSummary(ctx, remoteURL, p.Token)
	if err != nil {
		return im.remoteFailure(job, err)
	}

	name := firstNonEmpty(p.AlbumName, summary.AlbumName, defaultAlbumName)
	desc := markdown.Truncate(markdown.PlainText(firstNonEmpty(p.AlbumDescription, summary.AlbumDescription)), maxDescriptionLength)
	albumID := mediaid.ImportedAlbumID(userID, claims.Issuer, claims.AlbumID()).String()

	var created bool
	err = im.Library.InTx(ctx, func(tx library.Tx) error {
		var err error
		created, err = tx.CreateAlbum(ctx, &library.Album{
			ID:          albumID,
			UserID:      userID,
			Name:        strings.TrimSpace(name),
			Description: desc,
			RemoteURL:   &remoteURL,
		})
		return err
	})
	if err != nil {
		return jobs.Fail(fmt.Errorf("create album: %w", err))
	}

	uid := userID
	enqueued := 0
	for _, remoteID := range summary.MediaItemIDs {
		if strings.TrimSpace(remoteID) == "" {
			continue
		}
		ok, err := im.Enqueuer.Enqueue(ctx, queue.Request{
			Type:   jobs.TypeImportAlbumItem,
			UserID: &uid,
			Payload: jobs.ImportAlbumItemPayload{
				RemoteMediaItemID: remoteID,
				LocalAlbumID:      albumID,
				RemoteUsername:    p.RemoteUsername,
				RemoteURL:         remoteURL,
				Token:             p.Token,
			},
		})
		if err != nil {
			return jobs.Fail(err)
		}
		if ok {
			enqueued++
		}
	}

	log.Info("album import planned",
		"album_id", albumID,
		"album_created", created,
		"remote_url", remoteURL,
		"remote_items", len(summary.MediaItemIDs),
		"enqueued", enqueued,
	)
	return jobs.Done()
}

// ImportAlbumItem brings one remote media item into the local album. An
// item already ingested from an earlier import is attached directly; a
// file already on disk is ingested without downloading again.
func (im *Importer) ImportAlbumItem(ctx context.Context, job *jobs.Job) jobs.Result {
	p, ok := job.Payload.(jobs.ImportAlbumItemPayload)
	if !ok {
		return jobs.Failf("import item job %d has no import payload", job.ID)
	}
	userID := job.User()
	log := im.log().With(append(job.LogAttrs(), "remote_media_item_id", p.RemoteMediaItemID, "album_id", p.LocalAlbumID)...)

	user, err := im.Library.User(ctx, userID)
	if err != nil {
		return jobs.Fail(fmt.Errorf("load user %d: %w", userID, err))
	}
	identity, err := mediaid.RemoteIdentity(p.RemoteUsername, p.RemoteURL)
	if err != nil {
		return jobs.Fail(fmt.Errorf("remote identity: %w", err))
	}
	folder := path.Join(user.MediaFolder, importsFolder, filename.Sanitize(identity, filename.DefaultMaxLen))
	stem := filename.Sanitize(p.RemoteMediaItemID, 64)
	if stem == "" {
		return jobs.Failf("remote media item id %q is not usable as a file name", p.RemoteMediaItemID)
	}

	existing, err := im.Library.MediaItemByPathStem(ctx, folder, stem)
	if err != nil && !errors.Is(err, library.ErrNotFound) {
		return jobs.Fail(fmt.Errorf("lookup imported item: %w", err))
	}
	if existing != nil {
		added, err := im.attach(ctx, userID, identity, p.LocalAlbumID, existing.ID)
		if err != nil {
			return jobs.Fail(err)
		}
		log.Info("imported item already present", "media_item_id", existing.ID, "attached", added)
		return jobs.Done()
	}

	absFolder := filepath.Join(im.MediaDir, filepath.FromSlash(folder))
	name, err := findByStem(absFolder, stem)
	if err != nil {
		return jobs.Fail(err)
	}
	downloaded := false
	if name == "" {
		abs, err := im.Remote.Download(ctx, p.RemoteURL, p.Token, p.RemoteMediaItemID, absFolder, stem)
		if err != nil {
			return im.remoteFailure(job, err)
		}
		name = filepath.Base(abs)
		downloaded = true
	}
	rel := path.Join(folder, name)

	err = im.Library.InTx(ctx, func(tx library.Tx) error {
		return tx.UpsertPendingAlbumItem(ctx, library.PendingAlbumMediaItem{
			RelativePath:       rel,
			AlbumID:            p.LocalAlbumID,
			RemoteUserIdentity: identity,
			UserID:             userID,
		})
	})
	if err != nil {
		return jobs.Fail(fmt.Errorf("record pending album item: %w", err))
	}
	if err := im.Enqueuer.EnqueueFullIngest(ctx, rel, userID); err != nil {
		return jobs.Fail(err)
	}

	// An ingest started by the watcher may have committed before the
	// placeholder existed; attach here in that case.
	if item, err := im.Library.MediaItemByPath(ctx, rel); err == nil {
		if _, err := im.attachPending(ctx, rel, item.ID); err != nil {
			return jobs.Fail(err)
		}
	} else if !errors.Is(err, library.ErrNotFound) {
		return jobs.Fail(fmt.Errorf("lookup imported item: %w", err))
	}

	log.Info("imported item queued for ingest", "relative_path", rel, "downloaded", downloaded)
	return jobs.Done()
}

func (im *Importer) attach(ctx context.Context, userID int64, identity, albumID, mediaItemID string) (bool, error) {
	var added bool
	err := im.Library.InTx(ctx, func(tx library.Tx) error {
		rid, err := tx.EnsureRemoteUser(ctx, userID, identity)
		if err != nil {
			return fmt.Errorf("ensure remote user: %w", err)
		}
		if err := tx.SetMediaItemRemoteUser(ctx, mediaItemID, rid); err != nil {
			return fmt.Errorf("set remote user: %w", err)
		}
		added, err = tx.AddAlbumMediaItem(ctx, albumID, mediaItemID)
		if err != nil {
			return fmt.Errorf("attach to album %s: %w", albumID, err)
		}
		return nil
	})
	return added, err
}

// attachPending consumes the placeholder for rel, if still present, and
// applies it to mediaItemID.
func (im *Importer) attachPending(ctx context.Context, rel, mediaItemID string) (bool, error) {
	var added bool
	err := im.Library.InTx(ctx, func(tx library.Tx) error {
		pending, err := tx.TakePendingAlbumItem(ctx, rel)
		if err != nil || pending == nil {
			return err
		}
		rid, err := tx.EnsureRemoteUser(ctx, pending.UserID, pending.RemoteUserIdentity)
		if err != nil {
			return fmt.Errorf("ensure remote user: %w", err)
		}
		if err := tx.SetMediaItemRemoteUser(ctx, mediaItemID, rid); err != nil {
			return fmt.Errorf("set remote user: %w", err)
		}
		added, err = tx.AddAlbumMediaItem(ctx, pending.AlbumID, mediaItemID)
		return err
	})
	return added, err
}

// findByStem returns the media file in dir named stem plus an extension.
func findByStem(dir, stem string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.TrimSuffix(name, filepath.Ext(name)) != stem {
			continue
		}
		if mediatype.ByExtension(name) != mediatype.Unknown {
			return name, nil
		}
	}
	return "", nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
