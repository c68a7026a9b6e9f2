// Package library holds the durable media records produced by the pipeline
// and the store contract the handlers write them through.
package library

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("library: not found")
	// ErrAlreadyExists is returned when an insert collides with a unique row.
	ErrAlreadyExists = errors.New("library: already exists")
)

// MediaItem is one ingested photo or video.
type MediaItem struct {
	// ID is a short opaque id that doubles as the thumbnail folder name.
	ID           string
	RelativePath string
	UserID       int64
	RemoteUserID *int64
	IsVideo      bool
	Width        int
	Height       int
	DurationMS   int64
	Orientation  int
	TakenAt      *time.Time
	MimeType     string
	ContentHash  string
	SizeBytes    int64
	CreatedAt    time.Time
}

// VisualAnalysis is the analyzer output for one frame of a media item.
// FrameMarker is the still percentage for videos and 0 for photos.
type VisualAnalysis struct {
	MediaItemID    string
	FrameMarker    int
	Faces          int
	Objects        []string
	OCRText        string
	QualityScore   float64
	DominantColors []string
	Caption        string
}

// PendingAlbumMediaItem records that a file which is still being fetched
// must be attached to an album once it is ingested.
type PendingAlbumMediaItem struct {
	RelativePath       string
	AlbumID            string
	RemoteUserIdentity string
	UserID             int64
}

// RemoteUser is the local surrogate for an identity on another server.
type RemoteUser struct {
	ID       int64
	UserID   int64
	Identity string
}

// Album groups media items for a user. RemoteURL is set for imported albums.
type Album struct {
	ID          string
	UserID      int64
	Name        string
	Description string
	RemoteURL   *string
	CreatedAt   time.Time
}

// User owns a folder under the media root.
type User struct {
	ID          int64
	Username    string
	MediaFolder string
}

// Store reads library state and opens write transactions.
type Store interface {
	MediaItemByID(ctx context.Context, id string) (*MediaItem, error)
	MediaItemByPath(ctx context.Context, relPath string) (*MediaItem, error)
	// MediaItemByPathStem matches relPath ignoring its extension.
	MediaItemByPathStem(ctx context.Context, dir, stem string) (*MediaItem, error)
	ListMediaItems(ctx context.Context) ([]*MediaItem, error)
	VisualAnalyses(ctx context.Context, mediaItemID string) ([]VisualAnalysis, error)

	User(ctx context.Context, id int64) (*User, error)
	Users(ctx context.Context) ([]*User, error)

	Album(ctx context.Context, id string) (*Album, error)
	AlbumMediaItems(ctx context.Context, albumID string) ([]*MediaItem, error)

	// InTx runs fn inside one transaction; an error from fn rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side used inside Store.InTx.
type Tx interface {
	// DeleteMediaItemByPath removes the item at relPath and returns its id.
	DeleteMediaItemByPath(ctx context.Context, relPath string) (oldID string, found bool, err error)
	InsertMediaItem(ctx context.Context, item *MediaItem) error
	// UpdateMediaItem rewrites the technical metadata of an existing item,
	// keeping its path, remote user and creation time. ErrNotFound when the
	// id is gone.
	UpdateMediaItem(ctx context.Context, item *MediaItem) error
	SetMediaItemRemoteUser(ctx context.Context, mediaItemID string, remoteUserID int64) error
	ReplaceVisualAnalyses(ctx context.Context, mediaItemID string, analyses []VisualAnalysis) error

	// TakePendingAlbumItem deletes and returns the placeholder for relPath,
	// or nil when there is none.
	TakePendingAlbumItem(ctx context.Context, relPath string) (*PendingAlbumMediaItem, error)
	UpsertPendingAlbumItem(ctx context.Context, p PendingAlbumMediaItem) error

	// EnsureRemoteUser returns the surrogate id, creating it on first use.
	EnsureRemoteUser(ctx context.Context, userID int64, identity string) (int64, error)

	// CreateAlbum inserts a; it is a no-op when the id already exists.
	CreateAlbum(ctx context.Context, a *Album) (created bool, err error)
	// AddAlbumMediaItem attaches an item; attaching twice is a no-op.
	AddAlbumMediaItem(ctx context.Context, albumID, mediaItemID string) (added bool, err error)
}

// UserForPath returns the user whose media folder contains relPath.
func UserForPath(users []*User, relPath string) (*User, bool) {
	var best *User
	for _, u := range users {
		if u.MediaFolder == "" {
			continue
		}
		if !withinFolder(u.MediaFolder, relPath) {
			continue
		}
		if best == nil || len(u.MediaFolder) > len(best.MediaFolder) {
			best = u
		}
	}
	return best, best != nil
}

func withinFolder(folder, relPath string) bool {
	folder = strings.TrimSuffix(path.Clean(folder), "/")
	return strings.HasPrefix(path.Clean(relPath), folder+"/")
}
