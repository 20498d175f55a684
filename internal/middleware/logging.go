// Package middleware provides Echo middleware for the admin API.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// healthPaths are polled by health checkers; they log at debug level only.
var healthPaths = []string{"/healthz", "/health_check"}

// RequestLogger returns an Echo middleware that logs each admin request with slog.
// Health checks and any quiet paths (the metrics scrape path) log at debug level.
func RequestLogger(logger *slog.Logger, quiet ...string) echo.MiddlewareFunc {
	logger = logger.With("component", "admin")
	quietPaths := make(map[string]bool, len(healthPaths)+len(quiet))
	for _, p := range append(healthPaths, quiet...) {
		quietPaths[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if quietPaths[req.URL.Path] {
				level = slog.LevelDebug
			}
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "admin request",
				"method", req.Method,
				"path", req.URL.Path,
				"query", req.URL.RawQuery,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
