package federation

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/pkg/fileserver"
)

const inviteKey = "federation.invite"

// Server answers the s2s endpoints other instances call with an invite
// token issued here.
type Server struct {
	lib      library.Store
	signer   *Signer
	mediaDir string
	files    *fileserver.Server
	log      *slog.Logger
}

// NewServer returns a Server serving files from mediaDir.
func NewServer(lib library.Store, signer *Signer, mediaDir string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		lib:      lib,
		signer:   signer,
		mediaDir: mediaDir,
		files:    fileserver.New(),
		log:      log.With("component", "s2s"),
	}
}

// Register mounts the s2s routes on e.
func (s *Server) Register(e *echo.Echo) {
	g := e.Group("/s2s", s.requireInvite)
	g.GET("/albums/invite-summary", s.handleInviteSummary)
	g.GET("/albums/files", s.handleFile)
}

func (s *Server) requireInvite(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := s.signer.Verify(token)
		if err != nil {
			s.log.Info("invite token rejected", "remote_ip", c.RealIP(), "error", err)
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		c.Set(inviteKey, claims)
		return next(c)
	}
}

func invite(c echo.Context) *Claims {
	claims, _ := c.Get(inviteKey).(*Claims)
	return claims
}

func (s *Server) handleInviteSummary(c echo.Context) error {
	ctx := c.Request().Context()
	claims := invite(c)

	album, err := s.lib.Album(ctx, claims.AlbumID())
	if errors.Is(err, library.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "album not found")
	}
	if err != nil {
		return err
	}
	items, err := s.lib.AlbumMediaItems(ctx, album.ID)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return c.JSON(http.StatusOK, InviteSummary{
		AlbumName:        album.Name,
		AlbumDescription: album.Description,
		MediaItemIDs:     ids,
	})
}

// handleFile streams one album member, named by mediaItemId or by
// relativePath, which may hold either the member's path or its id.
func (s *Server) handleFile(c echo.Context) error {
	ctx := c.Request().Context()
	claims := invite(c)

	id := strings.TrimSpace(c.QueryParam("mediaItemId"))
	rel := strings.TrimSpace(c.QueryParam("relativePath"))
	if id == "" && rel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "mediaItemId or relativePath required")
	}

	items, err := s.lib.AlbumMediaItems(ctx, claims.AlbumID())
	if err != nil {
		return err
	}
	var item *library.MediaItem
	for _, it := range items {
		if (id != "" && it.ID == id) || (rel != "" && (it.RelativePath == path.Clean(rel) || it.ID == rel)) {
			item = it
			break
		}
	}
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound, "file not in album")
	}

	abs := filepath.Join(s.mediaDir, filepath.FromSlash(item.RelativePath))
	s.log.Debug("serving album file", "album_id", claims.AlbumID(), "media_item_id", item.ID)
	return s.files.ServeAttachment(c, abs, path.Base(item.RelativePath))
}
