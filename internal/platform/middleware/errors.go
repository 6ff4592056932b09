package middleware

import (
	"github.com/labstack/echo/v4"
)

// errorBody writes the JSON error shape used by every compliance endpoint.
func errorBody(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{
		"code":    code,
		"message": message,
	})
}
