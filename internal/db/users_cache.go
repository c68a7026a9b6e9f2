package db

import (
	"context"
	"log/slog"
	"sync"

	"thirdcoast.systems/lumen/internal/library"
)

// UsersChannel is signalled whenever a user row is created.
const UsersChannel = "lumen_users"

// UsersCache keeps the user list needed to attribute media paths to owners.
// Updated via LISTEN/NOTIFY when users are added.
type UsersCache struct {
	mu    sync.RWMutex
	users []*library.User
	store library.Store
}

// NewUsersCache loads the current users from store.
func NewUsersCache(ctx context.Context, store library.Store) (*UsersCache, error) {
	c := &UsersCache{store: store}
	if err := c.Reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// UserForPath returns the owner of relPath. Safe for concurrent reads.
func (c *UsersCache) UserForPath(relPath string) (*library.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return library.UserForPath(c.users, relPath)
}

// Users returns the cached snapshot.
func (c *UsersCache) Users() []*library.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users
}

// Reload fetches fresh users from the store and swaps the snapshot.
func (c *UsersCache) Reload(ctx context.Context) error {
	users, err := c.store.Users(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
	return nil
}

// Follow reloads the cache on every UsersChannel notification until ctx ends.
func (c *UsersCache) Follow(ctx context.Context, dsn string) {
	wake := make(chan struct{}, 1)
	go listenAndSignal(ctx, dsn, UsersChannel, wake)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			if err := c.Reload(ctx); err != nil {
				slog.Warn("reload users failed", "error", err)
			}
		}
	}
}
