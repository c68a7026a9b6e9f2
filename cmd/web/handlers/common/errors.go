package common

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ErrBadRequest returns a 400 Bad Request error.
func ErrBadRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

// ErrNotFound returns a 404 Not Found error.
func ErrNotFound(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusNotFound, msg)
}

// ErrConflict returns a 409 Conflict error.
func ErrConflict(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusConflict, msg)
}

// ErrUnavailable returns a 503 when a feature is not configured.
func ErrUnavailable(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusServiceUnavailable, msg)
}

// ErrInternal returns a 500 Internal Server Error.
func ErrInternal(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusInternalServerError, msg)
}
