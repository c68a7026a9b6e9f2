package common

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireParam returns the trimmed path parameter name or a 400.
func RequireParam(c echo.Context, name string) (string, error) {
	v := strings.TrimSpace(c.Param(name))
	if v == "" {
		return "", ErrBadRequest("missing " + name)
	}
	return v, nil
}

// PageParams reads the limit and offset query parameters. limit defaults
// to def and is capped at maxLimit.
func PageParams(c echo.Context, def, maxLimit int) (limit, offset int, err error) {
	limit, offset = def, 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, ErrBadRequest("limit must be a positive integer")
		}
	}
	if raw := c.QueryParam("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, ErrBadRequest("offset must be a non-negative integer")
		}
	}
	return min(limit, maxLimit), offset, nil
}
