package middleware

import (
	"github.com/labstack/echo/v4"

	"opencloud-proxy-go/internal/model"
)

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from incoming requests and adds security headers to responses that do
// not set their own.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.StripHopByHop(c.Request().Header)

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				if h.Get("X-Content-Type-Options") == "" {
					h.Set("X-Content-Type-Options", "nosniff")
				}
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "DENY")
				}
			})

			return next(c)
		}
	}
}
