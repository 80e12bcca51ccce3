// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that writes one access log line
// per request. Server errors log at error level and client errors at warn.
// Request headers are never logged; they carry the gateway credential.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()

			defer func() {
				req := c.Request()
				res := c.Response()

				status := res.Status
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}

				level := slog.LevelInfo
				switch {
				case status >= 500:
					level = slog.LevelError
				case status >= 400:
					level = slog.LevelWarn
				}

				logger.Log(context.Background(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_in", req.ContentLength,
					"bytes_out", res.Size,
				)
			}()

			return next(c)
		}
	}
}
