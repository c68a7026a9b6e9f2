package common

import (
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// DerefString safely dereferences a *string, returning "" if nil.
func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// BindJSON decodes the request into dst and checks its validate tags.
func BindJSON(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return ErrBadRequest("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return ErrBadRequest(err.Error())
	}
	return nil
}
