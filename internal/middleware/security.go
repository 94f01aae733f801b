package middleware

import (
	"net/textproto"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request, including any named in its Connection header,
// and adds security headers to the response.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			for _, v := range h.Values("Connection") {
				for _, name := range strings.Split(v, ",") {
					if name = textproto.TrimString(name); name != "" {
						h.Del(name)
					}
				}
			}
			for _, name := range hopByHopHeaders {
				h.Del(name)
			}

			// Set before next: once the handler writes, the header is gone.
			c.Response().Header().Set(echo.HeaderXContentTypeOptions, "nosniff")
			c.Response().Header().Set(echo.HeaderXFrameOptions, "DENY")

			return next(c)
		}
	}
}
