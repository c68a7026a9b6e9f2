package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Cache stores finished thumbnail sets keyed by the sha256 of the source
// file. Concurrent writers of the same key are allowed; the last one wins.
type Cache interface {
	// Fetch copies the set for hash into dir. ok is false on a miss.
	Fetch(ctx context.Context, hash, dir string, names []string) (ok bool, err error)
	// Store saves names from dir under hash.
	Store(ctx context.Context, hash, dir string, names []string) error
}

// NopCache never hits.
type NopCache struct{}

func (NopCache) Fetch(context.Context, string, string, []string) (bool, error) { return false, nil }
func (NopCache) Store(context.Context, string, string, []string) error        { return nil }

func validHash(hash string) error {
	if len(hash) < 8 || strings.ContainsAny(hash, `/\.`) {
		return fmt.Errorf("invalid content hash %q", hash)
	}
	return nil
}

// LocalCache keeps sets under root/{hash[:2]}/{hash}/.
type LocalCache struct {
	root string
	log  *slog.Logger
}

// NewLocalCache returns a cache rooted at root.
func NewLocalCache(root string, log *slog.Logger) *LocalCache {
	if log == nil {
		log = slog.Default()
	}
	return &LocalCache{root: root, log: log.With("component", "thumbnail_cache")}
}

func (c *LocalCache) entryDir(hash string) string {
	return filepath.Join(c.root, hash[:2], hash)
}

func (c *LocalCache) Fetch(ctx context.Context, hash, dir string, names []string) (bool, error) {
	if err := validHash(hash); err != nil {
		return false, err
	}
	entry := c.entryDir(hash)
	for _, name := range names {
		if !fileNonEmpty(filepath.Join(entry, name)) {
			return false, nil
		}
	}
	if err := copySet(entry, dir, names); err != nil {
		return false, fmt.Errorf("thumbnail cache fetch %s: %w", hash, err)
	}
	c.log.Debug("thumbnail cache hit", "hash", hash, "files", len(names))
	return true, nil
}

// Store writes the set into a staging directory and swaps it into place.
func (c *LocalCache) Store(ctx context.Context, hash, dir string, names []string) error {
	if err := validHash(hash); err != nil {
		return err
	}
	parent := filepath.Join(c.root, hash[:2])
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	staging, err := os.MkdirTemp(parent, "."+hash+".*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	var total int64
	for _, name := range names {
		if err := copyFile(filepath.Join(dir, name), filepath.Join(staging, name)); err != nil {
			return fmt.Errorf("thumbnail cache store %s: %w", hash, err)
		}
		if fi, err := os.Stat(filepath.Join(staging, name)); err == nil {
			total += fi.Size()
		}
	}

	entry := c.entryDir(hash)
	if err := os.RemoveAll(entry); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(staging, entry); err != nil {
		return fmt.Errorf("thumbnail cache store %s: %w", hash, err)
	}
	c.log.Debug("thumbnail cache stored", "hash", hash, "files", len(names), "size", humanize.Bytes(uint64(total)))
	return nil
}
