package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Values the mobile and web clients were built against.
var (
	corsAllowMethods = strings.Join([]string{
		http.MethodGet, http.MethodOptions, http.MethodPatch,
		http.MethodDelete, http.MethodPost, http.MethodPut,
	}, ",")
	corsAllowHeaders = strings.Join([]string{
		"X-CSRF-Token", "X-Requested-With", "Accept", "Accept-Version",
		"Content-Length", "Content-MD5", "Content-Type", "Date",
		"X-Api-Version", "Authorization",
	}, ", ")
)

// CORS sets permissive CORS headers on every response and answers OPTIONS
// with an empty 200 before routing. Install it with Echo.Pre.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowCredentials, "true")
			h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
