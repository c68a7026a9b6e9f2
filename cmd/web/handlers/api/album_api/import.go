// Package album_api starts album imports from other instances and issues
// invites for local albums.
package album_api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/cmd/web/handlers/common"
	"thirdcoast.systems/lumen/internal/federation"
	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/queue"
)

type importRequest struct {
	UserID           int64  `json:"user_id" validate:"required,gt=0"`
	Token            string `json:"token" validate:"required"`
	RemoteUsername   string `json:"remote_username" validate:"required"`
	RemoteURL        string `json:"remote_url" validate:"omitempty,url"`
	AlbumName        string `json:"album_name" validate:"max=200"`
	AlbumDescription string `json:"album_description"`
}

// HandleImport enqueues an ImportAlbum job for a local user. The remote URL
// defaults to the token's issuer.
func HandleImport(enq *queue.Enqueuer, lib library.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req importRequest
		if err := common.BindJSON(c, &req); err != nil {
			return err
		}
		claims, err := federation.Peek(req.Token)
		if err != nil {
			return common.ErrBadRequest("token is not an invite")
		}

		ctx := c.Request().Context()
		if _, err := lib.User(ctx, req.UserID); err != nil {
			if errors.Is(err, library.ErrNotFound) {
				return common.ErrNotFound("user not found")
			}
			slog.Error("failed to load user", "user_id", req.UserID, "error", err)
			return common.ErrInternal("failed to load user")
		}

		uid := req.UserID
		created, err := enq.Enqueue(ctx, queue.Request{
			Type:   jobs.TypeImportAlbum,
			UserID: &uid,
			Payload: jobs.ImportAlbumPayload{
				AlbumName:        req.AlbumName,
				AlbumDescription: req.AlbumDescription,
				RemoteUsername:   req.RemoteUsername,
				RemoteURL:        req.RemoteURL,
				Token:            req.Token,
			},
		})
		if err != nil {
			slog.Error("failed to enqueue album import", "user_id", req.UserID, "error", err)
			return common.ErrInternal("failed to enqueue import")
		}

		slog.Info("album import requested", "user_id", req.UserID, "issuer", claims.Issuer, "remote_album_id", claims.AlbumID(), "created", created)
		return c.JSON(http.StatusAccepted, map[string]any{
			"issuer":          claims.Issuer,
			"remote_album_id": claims.AlbumID(),
			"created":         created,
		})
	}
}
