package memory

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"thirdcoast.systems/lumen/internal/library"
)

type remoteKey struct {
	userID   int64
	identity string
}

type libraryState struct {
	items       map[string]*library.MediaItem
	byPath      map[string]string
	analyses    map[string][]library.VisualAnalysis
	pending     map[string]library.PendingAlbumMediaItem
	remoteUsers map[remoteKey]int64
	nextRemote  int64
	albums      map[string]*library.Album
	albumItems  map[string]map[string]struct{}
	users       map[int64]*library.User
}

func newLibraryState() *libraryState {
	return &libraryState{
		items:       make(map[string]*library.MediaItem),
		byPath:      make(map[string]string),
		analyses:    make(map[string][]library.VisualAnalysis),
		pending:     make(map[string]library.PendingAlbumMediaItem),
		remoteUsers: make(map[remoteKey]int64),
		albums:      make(map[string]*library.Album),
		albumItems:  make(map[string]map[string]struct{}),
		users:       make(map[int64]*library.User),
	}
}

// clone copies every index; records are shared and writers replace them
// instead of mutating in place.
func (l *libraryState) clone() *libraryState {
	cp := &libraryState{
		items:       maps.Clone(l.items),
		byPath:      maps.Clone(l.byPath),
		analyses:    maps.Clone(l.analyses),
		pending:     maps.Clone(l.pending),
		remoteUsers: maps.Clone(l.remoteUsers),
		nextRemote:  l.nextRemote,
		albums:      maps.Clone(l.albums),
		albumItems:  make(map[string]map[string]struct{}, len(l.albumItems)),
		users:       maps.Clone(l.users),
	}
	for k, v := range l.albumItems {
		cp.albumItems[k] = maps.Clone(v)
	}
	return cp
}

// AddUser registers a library user.
func (s *Store) AddUser(u library.User) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	s.lib.users[u.ID] = &u
}

// PendingAlbumItems lists the outstanding import placeholders.
func (s *Store) PendingAlbumItems() []library.PendingAlbumMediaItem {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	out := slices.Collect(maps.Values(s.lib.pending))
	sort.Slice(out, func(i, k int) bool { return out[i].RelativePath < out[k].RelativePath })
	return out
}

// RemoteUserID returns the surrogate id for identity, if created.
func (s *Store) RemoteUserID(userID int64, identity string) (int64, bool) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	id, ok := s.lib.remoteUsers[remoteKey{userID, identity}]
	return id, ok
}

func (s *Store) MediaItemByID(_ context.Context, id string) (*library.MediaItem, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	it, ok := s.lib.items[id]
	if !ok {
		return nil, library.ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *Store) MediaItemByPath(_ context.Context, relPath string) (*library.MediaItem, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	id, ok := s.lib.byPath[relPath]
	if !ok {
		return nil, library.ErrNotFound
	}
	cp := *s.lib.items[id]
	return &cp, nil
}

func (s *Store) MediaItemByPathStem(_ context.Context, dir, stem string) (*library.MediaItem, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	for p, id := range s.lib.byPath {
		if path.Dir(p) != path.Clean(dir) {
			continue
		}
		base := path.Base(p)
		if strings.TrimSuffix(base, path.Ext(base)) == stem {
			cp := *s.lib.items[id]
			return &cp, nil
		}
	}
	return nil, library.ErrNotFound
}

func (s *Store) ListMediaItems(_ context.Context) ([]*library.MediaItem, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	out := make([]*library.MediaItem, 0, len(s.lib.items))
	for _, it := range s.lib.items {
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RelativePath < out[k].RelativePath })
	return out, nil
}

func (s *Store) VisualAnalyses(_ context.Context, mediaItemID string) ([]library.VisualAnalysis, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	return slices.Clone(s.lib.analyses[mediaItemID]), nil
}

func (s *Store) User(_ context.Context, id int64) (*library.User, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	u, ok := s.lib.users[id]
	if !ok {
		return nil, library.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) Users(_ context.Context) ([]*library.User, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	out := make([]*library.User, 0, len(s.lib.users))
	for _, u := range s.lib.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (s *Store) Album(_ context.Context, id string) (*library.Album, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	a, ok := s.lib.albums[id]
	if !ok {
		return nil, library.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) AlbumMediaItems(_ context.Context, albumID string) ([]*library.MediaItem, error) {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	var out []*library.MediaItem
	for id := range s.lib.albumItems[albumID] {
		if it, ok := s.lib.items[id]; ok {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RelativePath < out[k].RelativePath })
	return out, nil
}

// InTx runs fn against a copy of the library and publishes the copy only
// when fn succeeds. fn must not call other library methods on s.
func (s *Store) InTx(ctx context.Context, fn func(tx library.Tx) error) error {
	s.libMu.Lock()
	defer s.libMu.Unlock()
	work := s.lib.clone()
	if err := fn(&tx{state: work, now: s.now}); err != nil {
		return err
	}
	s.lib = work
	return nil
}

type tx struct {
	state *libraryState
	now   func() time.Time
}

func (t *tx) DeleteMediaItemByPath(_ context.Context, relPath string) (string, bool, error) {
	id, ok := t.state.byPath[relPath]
	if !ok {
		return "", false, nil
	}
	delete(t.state.byPath, relPath)
	delete(t.state.items, id)
	delete(t.state.analyses, id)
	for _, members := range t.state.albumItems {
		delete(members, id)
	}
	return id, true, nil
}

func (t *tx) InsertMediaItem(_ context.Context, item *library.MediaItem) error {
	if _, exists := t.state.byPath[item.RelativePath]; exists {
		return fmt.Errorf("media item at %q already exists", item.RelativePath)
	}
	if _, exists := t.state.items[item.ID]; exists {
		return fmt.Errorf("media item id %q already exists", item.ID)
	}
	cp := *item
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.state.items[cp.ID] = &cp
	t.state.byPath[cp.RelativePath] = cp.ID
	return nil
}

func (t *tx) UpdateMediaItem(_ context.Context, item *library.MediaItem) error {
	old, ok := t.state.items[item.ID]
	if !ok {
		return library.ErrNotFound
	}
	cp := *item
	cp.RelativePath = old.RelativePath
	cp.RemoteUserID = old.RemoteUserID
	cp.CreatedAt = old.CreatedAt
	t.state.items[cp.ID] = &cp
	return nil
}

func (t *tx) SetMediaItemRemoteUser(_ context.Context, mediaItemID string, remoteUserID int64) error {
	it, ok := t.state.items[mediaItemID]
	if !ok {
		return library.ErrNotFound
	}
	cp := *it
	cp.RemoteUserID = &remoteUserID
	t.state.items[mediaItemID] = &cp
	return nil
}

func (t *tx) ReplaceVisualAnalyses(_ context.Context, mediaItemID string, analyses []library.VisualAnalysis) error {
	if _, ok := t.state.items[mediaItemID]; !ok {
		return library.ErrNotFound
	}
	t.state.analyses[mediaItemID] = slices.Clone(analyses)
	return nil
}

func (t *tx) TakePendingAlbumItem(_ context.Context, relPath string) (*library.PendingAlbumMediaItem, error) {
	p, ok := t.state.pending[relPath]
	if !ok {
		return nil, nil
	}
	delete(t.state.pending, relPath)
	return &p, nil
}

func (t *tx) UpsertPendingAlbumItem(_ context.Context, p library.PendingAlbumMediaItem) error {
	t.state.pending[p.RelativePath] = p
	return nil
}

func (t *tx) EnsureRemoteUser(_ context.Context, userID int64, identity string) (int64, error) {
	k := remoteKey{userID, identity}
	if id, ok := t.state.remoteUsers[k]; ok {
		return id, nil
	}
	t.state.nextRemote++
	t.state.remoteUsers[k] = t.state.nextRemote
	return t.state.nextRemote, nil
}

func (t *tx) CreateAlbum(_ context.Context, a *library.Album) (bool, error) {
	if _, ok := t.state.albums[a.ID]; ok {
		return false, nil
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now()
	}
	t.state.albums[a.ID] = &cp
	return true, nil
}

func (t *tx) AddAlbumMediaItem(_ context.Context, albumID, mediaItemID string) (bool, error) {
	if _, ok := t.state.albums[albumID]; !ok {
		return false, fmt.Errorf("album %s: %w", albumID, library.ErrNotFound)
	}
	if _, ok := t.state.items[mediaItemID]; !ok {
		return false, fmt.Errorf("media item %s: %w", mediaItemID, library.ErrNotFound)
	}
	members := t.state.albumItems[albumID]
	if _, ok := members[mediaItemID]; ok {
		return false, nil
	}
	if members == nil {
		members = make(map[string]struct{})
	}
	members[mediaItemID] = struct{}{}
	t.state.albumItems[albumID] = members
	return true, nil
}
