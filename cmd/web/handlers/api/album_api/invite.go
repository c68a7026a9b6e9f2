package album_api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/cmd/web/handlers/common"
	"thirdcoast.systems/lumen/internal/federation"
	"thirdcoast.systems/lumen/internal/library"
)

type inviteRequest struct {
	TTL string `json:"ttl"`
}

// HandleCreateInvite signs an invite token for the album in :id. The
// optional ttl overrides defaultTTL. signer is nil when federation is not
// configured.
func HandleCreateInvite(lib library.Store, signer *federation.Signer, defaultTTL time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		if signer == nil {
			return common.ErrUnavailable("federation is not configured")
		}
		albumID, err := common.RequireParam(c, "id")
		if err != nil {
			return err
		}
		var req inviteRequest
		if c.Request().ContentLength != 0 {
			if err := common.BindJSON(c, &req); err != nil {
				return err
			}
		}
		ttl := defaultTTL
		if req.TTL != "" {
			ttl, err = time.ParseDuration(req.TTL)
			if err != nil || ttl <= 0 {
				return common.ErrBadRequest("ttl must be a positive duration")
			}
		}

		ctx := c.Request().Context()
		album, err := lib.Album(ctx, albumID)
		if errors.Is(err, library.ErrNotFound) {
			return common.ErrNotFound("album not found")
		}
		if err != nil {
			slog.Error("failed to load album", "album_id", albumID, "error", err)
			return common.ErrInternal("failed to load album")
		}

		token, err := signer.Sign(album.ID, ttl)
		if err != nil {
			slog.Error("failed to sign invite", "album_id", album.ID, "error", err)
			return common.ErrInternal("failed to sign invite")
		}

		slog.Info("album invite issued", "album_id", album.ID, "ttl", ttl)
		return c.JSON(http.StatusCreated, map[string]any{
			"album_id":   album.ID,
			"token":      token,
			"remote_url": signer.Issuer(),
			"expires_at": time.Now().Add(ttl).UTC(),
		})
	}
}
