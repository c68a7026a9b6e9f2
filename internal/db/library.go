package db

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jackc/pgx/v5"

	"thirdcoast.systems/lumen/internal/library"
)

const mediaItemColumns = `id, relative_path, user_id, remote_user_id, is_video, width, height,
	duration_ms, orientation, taken_at, mime_type, content_hash, size_bytes, created_at`

func scanMediaItem(row pgx.Row) (*library.MediaItem, error) {
	var m library.MediaItem
	err := row.Scan(&m.ID, &m.RelativePath, &m.UserID, &m.RemoteUserID, &m.IsVideo, &m.Width, &m.Height,
		&m.DurationMS, &m.Orientation, &m.TakenAt, &m.MimeType, &m.ContentHash, &m.SizeBytes, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, library.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMediaItems(rows pgx.Rows, err error) ([]*library.MediaItem, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*library.MediaItem
	for rows.Next() {
		m, err := scanMediaItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LibraryStore implements library.Store on PostgreSQL.
type LibraryStore struct {
	dbc *DatabaseConnection
}

var _ library.Store = (*LibraryStore)(nil)

func NewLibraryStore(dbc *DatabaseConnection) *LibraryStore {
	return &LibraryStore{dbc: dbc}
}

func (s *LibraryStore) MediaItemByID(ctx context.Context, id string) (*library.MediaItem, error) {
	return scanMediaItem(s.dbc.QueryRow(ctx, `SELECT `+mediaItemColumns+` FROM media_items WHERE id = $1`, id))
}

func (s *LibraryStore) MediaItemByPath(ctx context.Context, relPath string) (*library.MediaItem, error) {
	return scanMediaItem(s.dbc.QueryRow(ctx, `SELECT `+mediaItemColumns+` FROM media_items WHERE relative_path = $1`, relPath))
}

func (s *LibraryStore) MediaItemByPathStem(ctx context.Context, dir, stem string) (*library.MediaItem, error) {
	prefix := path.Join(dir, stem)
	items, err := collectMediaItems(s.dbc.Query(ctx, `
		SELECT `+mediaItemColumns+` FROM media_items
		WHERE relative_path = $1 OR relative_path LIKE $2 ESCAPE '\'
		ORDER BY created_at`,
		prefix, escapeLike(prefix)+".%"))
	if err != nil {
		return nil, err
	}
	for _, m := range items {
		base := path.Base(m.RelativePath)
		if path.Dir(m.RelativePath) == path.Clean(dir) && strings.TrimSuffix(base, path.Ext(base)) == stem {
			return m, nil
		}
	}
	return nil, library.ErrNotFound
}

func (s *LibraryStore) ListMediaItems(ctx context.Context) ([]*library.MediaItem, error) {
	return collectMediaItems(s.dbc.Query(ctx, `SELECT `+mediaItemColumns+` FROM media_items ORDER BY relative_path`))
}

func (s *LibraryStore) VisualAnalyses(ctx context.Context, mediaItemID string) ([]library.VisualAnalysis, error) {
	rows, err := s.dbc.Query(ctx, `
		SELECT media_item_id, frame_marker, faces, objects, ocr_text, quality_score, dominant_colors, caption
		FROM visual_analyses WHERE media_item_id = $1 ORDER BY frame_marker`, mediaItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []library.VisualAnalysis
	for rows.Next() {
		var a library.VisualAnalysis
		if err := rows.Scan(&a.MediaItemID, &a.FrameMarker, &a.Faces, &a.Objects, &a.OCRText, &a.QualityScore, &a.DominantColors, &a.Caption); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LibraryStore) User(ctx context.Context, id int64) (*library.User, error) {
	var u library.User
	err := s.dbc.QueryRow(ctx, `SELECT id, username, media_folder FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.MediaFolder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, library.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *LibraryStore) Users(ctx context.Context) ([]*library.User, error) {
	rows, err := s.dbc.Query(ctx, `SELECT id, username, media_folder FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*library.User
	for rows.Next() {
		var u library.User
		if err := rows.Scan(&u.ID, &u.Username, &u.MediaFolder); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *LibraryStore) Album(ctx context.Context, id string) (*library.Album, error) {
	var a library.Album
	err := s.dbc.QueryRow(ctx, `
		SELECT id::text, user_id, name, description, remote_url, created_at
		FROM albums WHERE id = $1::uuid`, id).
		Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.RemoteURL, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, library.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *LibraryStore) AlbumMediaItems(ctx context.Context, albumID string) ([]*library.MediaItem, error) {
	return collectMediaItems(s.dbc.Query(ctx, `
		SELECT `+prefixed("m.", mediaItemColumns)+`
		FROM album_media_items am
		JOIN media_items m ON m.id = am.media_item_id
		WHERE am.album_id = $1::uuid
		ORDER BY m.relative_path`, albumID))
}

// CreateUser registers a library user owning mediaFolder.
func (s *LibraryStore) CreateUser(ctx context.Context, username, mediaFolder string) (*library.User, error) {
	u := library.User{Username: username, MediaFolder: mediaFolder}
	err := s.dbc.inTx(ctx, func(q *Queries) error {
		err := q.db.QueryRow(ctx, `
			INSERT INTO users (username, media_folder) VALUES ($1, $2) RETURNING id`,
			username, mediaFolder).Scan(&u.ID)
		if IsUniqueViolation(err) {
			return fmt.Errorf("user %q or folder %q: %w", username, mediaFolder, library.ErrAlreadyExists)
		}
		if err != nil {
			return err
		}
		_, err = q.db.Exec(ctx, `SELECT pg_notify($1, $2)`, UsersChannel, username)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *LibraryStore) InTx(ctx context.Context, fn func(tx library.Tx) error) error {
	return s.dbc.inTx(ctx, func(q *Queries) error {
		return fn(&libraryTx{q: q})
	})
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type libraryTx struct {
	q *Queries
}

func (t *libraryTx) DeleteMediaItemByPath(ctx context.Context, relPath string) (string, bool, error) {
	var id string
	err := t.q.db.QueryRow(ctx, `DELETE FROM media_items WHERE relative_path = $1 RETURNING id`, relPath).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (t *libraryTx) InsertMediaItem(ctx context.Context, m *library.MediaItem) error {
	_, err := t.q.db.Exec(ctx, `
		INSERT INTO media_items (id, relative_path, user_id, remote_user_id, is_video, width, height,
			duration_ms, orientation, taken_at, mime_type, content_hash, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.RelativePath, m.UserID, m.RemoteUserID, m.IsVideo, m.Width, m.Height,
		m.DurationMS, m.Orientation, m.TakenAt, m.MimeType, m.ContentHash, m.SizeBytes)
	if IsUniqueViolation(err) {
		return fmt.Errorf("media item %s at %q already exists: %w", m.ID, m.RelativePath, err)
	}
	return err
}

func (t *libraryTx) UpdateMediaItem(ctx context.Context, m *library.MediaItem) error {
	tag, err := t.q.db.Exec(ctx, `
		UPDATE media_items
		SET user_id = $2, is_video = $3, width = $4, height = $5, duration_ms = $6, orientation = $7,
			taken_at = $8, mime_type = $9, content_hash = $10, size_bytes = $11
		WHERE id = $1`,
		m.ID, m.UserID, m.IsVideo, m.Width, m.Height, m.DurationMS, m.Orientation,
		m.TakenAt, m.MimeType, m.ContentHash, m.SizeBytes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return library.ErrNotFound
	}
	return nil
}

func (t *libraryTx) SetMediaItemRemoteUser(ctx context.Context, mediaItemID string, remoteUserID int64) error {
	tag, err := t.q.db.Exec(ctx, `UPDATE media_items SET remote_user_id = $2 WHERE id = $1`, mediaItemID, remoteUserID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return library.ErrNotFound
	}
	return nil
}

func (t *libraryTx) ReplaceVisualAnalyses(ctx context.Context, mediaItemID string, analyses []library.VisualAnalysis) error {
	var locked string
	err := t.q.db.QueryRow(ctx, `SELECT id FROM media_items WHERE id = $1 FOR UPDATE`, mediaItemID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return library.ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := t.q.db.Exec(ctx, `DELETE FROM visual_analyses WHERE media_item_id = $1`, mediaItemID); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, a := range analyses {
		batch.Queue(`
			INSERT INTO visual_analyses (media_item_id, frame_marker, faces, objects, ocr_text, quality_score, dominant_colors, caption)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			mediaItemID, a.FrameMarker, a.Faces, nonNil(a.Objects), a.OCRText, a.QualityScore, nonNil(a.DominantColors), a.Caption)
	}
	if batch.Len() == 0 {
		return nil
	}
	tx, ok := t.q.db.(pgx.Tx)
	if !ok {
		return fmt.Errorf("replace visual analyses outside a transaction")
	}
	return tx.SendBatch(ctx, batch).Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (t *libraryTx) TakePendingAlbumItem(ctx context.Context, relPath string) (*library.PendingAlbumMediaItem, error) {
	var p library.PendingAlbumMediaItem
	err := t.q.db.QueryRow(ctx, `
		DELETE FROM pending_album_media_items WHERE relative_path = $1
		RETURNING relative_path, album_id::text, remote_user_identity, user_id`, relPath).
		Scan(&p.RelativePath, &p.AlbumID, &p.RemoteUserIdentity, &p.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *libraryTx) UpsertPendingAlbumItem(ctx context.Context, p library.PendingAlbumMediaItem) error {
	_, err := t.q.db.Exec(ctx, `
		INSERT INTO pending_album_media_items (relative_path, album_id, remote_user_identity, user_id)
		VALUES ($1, $2::uuid, $3, $4)
		ON CONFLICT (relative_path) DO UPDATE
		SET album_id = EXCLUDED.album_id,
		    remote_user_identity = EXCLUDED.remote_user_identity,
		    user_id = EXCLUDED.user_id`,
		p.RelativePath, p.AlbumID, p.RemoteUserIdentity, p.UserID)
	return err
}

func (t *libraryTx) EnsureRemoteUser(ctx context.Context, userID int64, identity string) (int64, error) {
	var id int64
	err := t.q.db.QueryRow(ctx, `
		INSERT INTO remote_users (user_id, identity) VALUES ($1, $2)
		ON CONFLICT (user_id, identity) DO UPDATE SET identity = EXCLUDED.identity
		RETURNING id`, userID, identity).Scan(&id)
	return id, err
}

func (t *libraryTx) CreateAlbum(ctx context.Context, a *library.Album) (bool, error) {
	tag, err := t.q.db.Exec(ctx, `
		INSERT INTO albums (id, user_id, name, description, remote_url)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.UserID, a.Name, a.Description, a.RemoteURL)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *libraryTx) AddAlbumMediaItem(ctx context.Context, albumID, mediaItemID string) (bool, error) {
	tag, err := t.q.db.Exec(ctx, `
		INSERT INTO album_media_items (album_id, media_item_id) VALUES ($1::uuid, $2)
		ON CONFLICT (album_id, media_item_id) DO NOTHING`, albumID, mediaItemID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
