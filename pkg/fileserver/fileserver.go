// Package fileserver streams library files over echo with validators and
// range support.
package fileserver

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/pkg/mediatype"
)

type etagEntry struct {
	size    int64
	modTime time.Time
	etag    string
}

// Server serves files from disk. ETags are memoized per path and dropped
// when the file's size or mtime changes.
type Server struct {
	mu    sync.RWMutex
	etags map[string]etagEntry
}

// New returns a Server.
func New() *Server {
	return &Server{etags: make(map[string]etagEntry)}
}

func (s *Server) etag(path string, info os.FileInfo) string {
	s.mu.RLock()
	e, ok := s.etags[path]
	s.mu.RUnlock()
	if ok && e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
		return e.etag
	}

	tag := fmt.Sprintf(`W/"%x-%x"`, info.ModTime().Unix(), info.Size())
	s.mu.Lock()
	s.etags[path] = etagEntry{size: info.Size(), modTime: info.ModTime(), etag: tag}
	s.mu.Unlock()
	return tag
}

// ServeAttachment sends absPath as a download named name. The Content-Type
// is guessed from name's extension.
func (s *Server) ServeAttachment(c echo.Context, absPath, name string) error {
	info, err := os.Stat(absPath)
	if err != nil || !info.Mode().IsRegular() {
		return echo.ErrNotFound
	}

	etag := s.etag(absPath, info)
	if inm := c.Request().Header.Get("If-None-Match"); inm != "" && strings.TrimSpace(inm) == etag {
		return c.NoContent(http.StatusNotModified)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return echo.ErrNotFound
	}
	defer f.Close()

	h := c.Response().Header()
	h.Set("ETag", etag)
	h.Set(echo.HeaderContentType, mediatype.ContentType(name))
	h.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filepath.Base(name)))
	h.Set(echo.HeaderCacheControl, "private, no-cache")

	// ServeContent answers Range and If-Modified-Since itself.
	http.ServeContent(c.Response(), c.Request(), name, info.ModTime(), f)
	return nil
}
