package job_api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/cmd/web/handlers/common"
	"thirdcoast.systems/lumen/internal/jobs"
	"thirdcoast.systems/lumen/internal/library"
	"thirdcoast.systems/lumen/internal/queue"
)

type createRequest struct {
	Type         string `json:"type" validate:"required"`
	RelativePath string `json:"relative_path"`
	UserID       *int64 `json:"user_id" validate:"omitempty,gt=0"`
}

// HandleCreate enqueues a maintenance or per-file job. An ingest request
// enqueues the full ingest and analysis pair. Federation and clustering
// jobs are not accepted here.
func HandleCreate(enq *queue.Enqueuer, lib library.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createRequest
		if err := common.BindJSON(c, &req); err != nil {
			return err
		}
		t, err := jobs.ParseType(req.Type)
		if err != nil {
			return common.ErrBadRequest(err.Error())
		}
		rel := strings.TrimSpace(req.RelativePath)
		ctx := c.Request().Context()

		switch t {
		case jobs.TypeScan, jobs.TypeCleanDB:
			if rel != "" {
				return common.ErrBadRequest(string(t) + " does not take a relative_path")
			}
		case jobs.TypeIngest, jobs.TypeAnalysis, jobs.TypeRemove:
			if rel == "" {
				return common.ErrBadRequest("relative_path is required")
			}
			clean, err := queue.CleanRelativePath(rel)
			if err != nil {
				return common.ErrBadRequest(err.Error())
			}
			rel = clean
		default:
			return common.ErrBadRequest(string(t) + " jobs cannot be created here")
		}

		userID := req.UserID
		if userID == nil && rel != "" {
			users, err := lib.Users(ctx)
			if err != nil {
				slog.Error("failed to load users", "error", err)
				return common.ErrInternal("failed to load users")
			}
			if u, ok := library.UserForPath(users, rel); ok {
				userID = &u.ID
			}
		}
		if userID == nil && (t == jobs.TypeIngest || t == jobs.TypeAnalysis) {
			return common.ErrBadRequest("relative_path is outside every user's media folder")
		}

		created := true
		switch t {
		case jobs.TypeIngest:
			err = enq.EnqueueFullIngest(ctx, rel, *userID)
		case jobs.TypeRemove:
			err = enq.EnqueueRemove(ctx, rel, userID)
		default:
			created, err = enq.Enqueue(ctx, queue.Request{Type: t, RelativePath: rel, UserID: userID})
		}
		if err != nil {
			slog.Error("failed to enqueue job", "job_type", string(t), "relative_path", rel, "error", err)
			return common.ErrInternal("failed to enqueue job")
		}

		slog.Info("job requested by operator", "job_type", string(t), "relative_path", rel, "created", created)
		return c.JSON(http.StatusAccepted, map[string]any{"type": t, "relative_path": rel, "created": created})
	}
}
