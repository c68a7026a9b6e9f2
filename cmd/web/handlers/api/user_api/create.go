// Package user_api registers library users.
package user_api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/cmd/web/handlers/common"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/queue"
)

// UserCreator persists a new user.
type UserCreator interface {
	CreateUser(ctx context.Context, username, mediaFolder string) (*library.User, error)
}

type createRequest struct {
	Username    string `json:"username" validate:"required,max=64"`
	MediaFolder string `json:"media_folder" validate:"required"`
}

// HandleCreate registers a user owning media_folder under the media root.
func HandleCreate(users UserCreator) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createRequest
		if err := common.BindJSON(c, &req); err != nil {
			return err
		}
		folder, err := queue.CleanRelativePath(req.MediaFolder)
		if err != nil {
			return common.ErrBadRequest("media_folder: " + err.Error())
		}

		u, err := users.CreateUser(c.Request().Context(), req.Username, folder)
		if errors.Is(err, library.ErrAlreadyExists) {
			return common.ErrConflict("username or media folder already taken")
		}
		if err != nil {
			slog.Error("failed to create user", "username", req.Username, "error", err)
			return common.ErrInternal("failed to create user")
		}

		slog.Info("user created", "user_id", u.ID, "username", u.Username, "media_folder", u.MediaFolder)
		return c.JSON(http.StatusCreated, map[string]any{
			"id":           u.ID,
			"username":     u.Username,
			"media_folder": u.MediaFolder,
		})
	}
}
