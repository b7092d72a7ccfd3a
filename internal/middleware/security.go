package middleware

import (
	"github.com/labstack/echo/v4"
)

// securityHeaders are set on every admin response.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Cache-Control":          "no-store",
}

// SecurityHeaders returns an Echo middleware that adds security headers.
// They are set before the handler runs so that they are part of the written response.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for key, val := range securityHeaders {
				h.Set(key, val)
			}
			return next(c)
		}
	}
}
