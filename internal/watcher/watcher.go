// Package watcher turns filesystem changes under the media root into
// queue jobs: new or rewritten media files get a full ingest, deleted or
// renamed ones a Remove. A directory moved away triggers a CleanDB sweep.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/pkg/mediatype"
)

// UserResolver attributes a media-root relative path to its owner.
type UserResolver interface {
	UserForPath(relPath string) (*library.User, bool)
}

// Enqueuer is the part of queue.Enqueuer the watcher drives.
type Enqueuer interface {
	EnqueueFullIngest(ctx context.Context, relPath string, userID int64) error
	EnqueueRemove(ctx context.Context, relPath string, userID *int64) error
	EnqueueCleanDB(ctx context.Context) error
}

type action int

const (
	actionIngest action = iota
	actionRemove
)

type pending struct {
	action action
	seen   time.Time
}

// Options tunes a Watcher.
type Options struct {
	// Quiet is how long a path must see no events before it is enqueued,
	// so files still being copied are not ingested half written.
	Quiet  time.Duration
	Logger *slog.Logger
}

// Watcher follows the media root recursively.
type Watcher struct {
	root  string
	users UserResolver
	enq   Enqueuer
	quiet time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]pending
	dirs    map[string]struct{}
	// sweep is when a known directory last vanished; zero when none is due.
	sweep time.Time
}

// New returns a Watcher for root.
func New(root string, users UserResolver, enq Enqueuer, opts Options) *Watcher {
	if opts.Quiet <= 0 {
		opts.Quiet = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		root:    filepath.Clean(root),
		users:   users,
		enq:     enq,
		quiet:   opts.Quiet,
		log:     opts.Logger.With("component", "watcher"),
		pending: make(map[string]pending),
		dirs:    make(map[string]struct{}),
	}
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	w.log.Info("watching media root", "root", w.root, "quiet", w.quiet)

	ticker := time.NewTicker(max(w.quiet/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.observe(fw, ev, time.Now())
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "error", err)
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		w.rememberDir(p)
		return nil
	})
}

// observe records ev. fw may be nil, in which case new directories are
// scanned but not watched.
func (w *Watcher) observe(fw *fsnotify.Watcher, ev fsnotify.Event, now time.Time) {
	rel, ok := w.relative(ev.Name)
	if !ok {
		return
	}

	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if fw != nil {
				if err := w.addTree(fw, ev.Name); err != nil {
					w.log.Warn("failed to watch new directory", "path", rel, "error", err)
				}
			}
			w.markTree(ev.Name, now)
			return
		}
	}

	if (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) && w.forgetDir(rel) {
		// The tree's files get no events of their own.
		w.mu.Lock()
		w.sweep = now
		w.mu.Unlock()
		w.log.Info("directory moved or removed, scheduling clean", "relative_path", rel)
		return
	}

	if mediatype.ByExtension(rel) == mediatype.Unknown {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.mark(rel, actionRemove, now)
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		w.mark(rel, actionIngest, now)
	}
}

// markTree queues every media file below a directory that appeared in
// one move, which produces a single Create event.
func (w *Watcher) markTree(dir string, now time.Time) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if hidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			w.rememberDir(p)
			return nil
		}
		if mediatype.ByExtension(d.Name()) == mediatype.Unknown {
			return nil
		}
		if rel, ok := w.relative(p); ok {
			w.mark(rel, actionIngest, now)
		}
		return nil
	})
}

func (w *Watcher) rememberDir(abs string) {
	rel, ok := w.relative(abs)
	if !ok {
		return
	}
	w.mu.Lock()
	w.dirs[rel] = struct{}{}
	w.mu.Unlock()
}

// forgetDir drops rel and everything below it from the known directories,
// reporting whether rel was one.
func (w *Watcher) forgetDir(rel string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[rel]; !ok {
		return false
	}
	prefix := rel + "/"
	for d := range w.dirs {
		if d == rel || strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
	return true
}

func (w *Watcher) mark(rel string, a action, now time.Time) {
	w.mu.Lock()
	w.pending[rel] = pending{action: a, seen: now}
	w.mu.Unlock()
}

// flush enqueues every path that has been quiet for the Quiet period.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	due := make(map[string]action)
	for rel, p := range w.pending {
		if now.Sub(p.seen) >= w.quiet {
			due[rel] = p.action
			delete(w.pending, rel)
		}
	}
	clean := !w.sweep.IsZero() && now.Sub(w.sweep) >= w.quiet
	if clean {
		w.sweep = time.Time{}
	}
	w.mu.Unlock()

	if clean {
		if err := w.enq.EnqueueCleanDB(ctx); err != nil {
			w.log.Error("failed to enqueue clean", "error", err)
		}
	}

	for rel, a := range due {
		if err := w.enqueue(ctx, rel, a); err != nil {
			w.log.Error("failed to enqueue file change", "relative_path", rel, "error", err)
		}
	}
}

func (w *Watcher) enqueue(ctx context.Context, rel string, a action) error {
	user, owned := w.users.UserForPath(rel)
	switch a {
	case actionRemove:
		var uid *int64
		if owned {
			uid = &user.ID
		}
		w.log.Debug("file removed", "relative_path", rel)
		return w.enq.EnqueueRemove(ctx, rel, uid)
	default:
		if _, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(rel))); err != nil {
			// Gone again before it settled.
			return nil
		}
		if !owned {
			w.log.Warn("ignoring file outside every user's media folder", "relative_path", rel)
			return nil
		}
		w.log.Debug("file added", "relative_path", rel, "user_id", user.ID)
		return w.enq.EnqueueFullIngest(ctx, rel, user.ID)
	}
}

// relative maps an absolute event path to a slash separated path under
// the root. Hidden paths and the root itself are rejected.
func (w *Watcher) relative(abs string) (string, bool) {
	r, err := filepath.Rel(w.root, abs)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}
	r = filepath.ToSlash(r)
	for _, part := range strings.Split(r, "/") {
		if hidden(part) {
			return "", false
		}
	}
	return r, true
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
