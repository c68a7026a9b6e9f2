// Package job_api exposes the live queue and the dead-letter table to
// operators.
package job_api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/lumen/cmd/web/handlers/common"
	"thirdcoast.systems/lumen/internal/jobs"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// jobView omits the payload, which may carry invite tokens.
type jobView struct {
	ID                 int64      `json:"id"`
	Type               jobs.Type  `json:"type"`
	RelativePath       *string    `json:"relative_path,omitempty"`
	UserID             *int64     `json:"user_id,omitempty"`
	Priority           int        `json:"priority"`
	Status             string     `json:"status"`
	Attempts           int        `json:"attempts"`
	MaxAttempts        int        `json:"max_attempts"`
	DependencyAttempts int        `json:"dependency_attempts"`
	RunAt              time.Time  `json:"run_at"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	LastError          *string    `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	Age                string     `json:"age"`
}

type failureView struct {
	ID           int64     `json:"id"`
	JobID        int64     `json:"job_id"`
	Type         jobs.Type `json:"type"`
	RelativePath *string   `json:"relative_path,omitempty"`
	UserID       *int64    `json:"user_id,omitempty"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error"`
	FailedAt     time.Time `json:"failed_at"`
}

func parseStatus(raw string) (*jobs.Status, error) {
	if raw == "" {
		return nil, nil
	}
	s := jobs.Status(raw)
	switch s {
	case jobs.StatusQueued, jobs.StatusRunning, jobs.StatusFailed, jobs.StatusCancelled:
		return &s, nil
	}
	return nil, common.ErrBadRequest("unknown status " + raw)
}

// HandleIndex lists live and cancelled jobs, optionally filtered by
// ?status= and ?type=.
func HandleIndex(store jobs.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset, err := common.PageParams(c, defaultPageSize, maxPageSize)
		if err != nil {
			return err
		}
		status, err := parseStatus(c.QueryParam("status"))
		if err != nil {
			return err
		}
		opts := jobs.ListOptions{Status: status, Limit: limit, Offset: offset}
		if raw := c.QueryParam("type"); raw != "" {
			t, err := jobs.ParseType(raw)
			if err != nil {
				return common.ErrBadRequest(err.Error())
			}
			opts.Type = &t
		}

		ctx := c.Request().Context()
		rows, err := store.ListJobs(ctx, opts)
		if err != nil {
			slog.Error("failed to list jobs", "error", err)
			return common.ErrInternal("failed to list jobs")
		}

		out := make([]jobView, 0, len(rows))
		for _, j := range rows {
			out = append(out, jobView{
				ID:                 j.ID,
				Type:               j.Type,
				RelativePath:       j.RelativePath,
				UserID:             j.UserID,
				Priority:           j.Priority,
				Status:             string(j.Status),
				Attempts:           j.Attempts,
				MaxAttempts:        j.MaxAttempts,
				DependencyAttempts: j.DependencyAttempts,
				RunAt:              j.RunAt,
				LastHeartbeat:      j.LastHeartbeat,
				LastError:          j.LastError,
				CreatedAt:          j.CreatedAt,
				Age:                humanize.Time(j.CreatedAt),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{"jobs": out})
	}
}

// HandleFailures lists dead-lettered jobs, newest first.
func HandleFailures(store jobs.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset, err := common.PageParams(c, defaultPageSize, maxPageSize)
		if err != nil {
			return err
		}
		ctx := c.Request().Context()
		rows, err := store.ListFailures(ctx, limit, offset)
		if err != nil {
			slog.Error("failed to list job failures", "error", err)
			return common.ErrInternal("failed to list failures")
		}

		out := make([]failureView, 0, len(rows))
		for _, f := range rows {
			out = append(out, failureView{
				ID:           f.ID,
				JobID:        f.JobID,
				Type:         f.Type,
				RelativePath: f.RelativePath,
				UserID:       f.UserID,
				Attempts:     f.Attempts,
				Error:        f.Error,
				FailedAt:     f.FailedAt,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{"failures": out})
	}
}
