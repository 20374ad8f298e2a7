package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Logger emits one structured line per request. The level follows the
// response status, and sync context is attached when present: the
// authenticated subject and the provider path segment on webhook
// routes.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			var evt *zerolog.Event
			switch {
			case err != nil || status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			default:
				evt = logger.Info()
			}

			evt = evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())

			if subject, ok := c.Get("auth_subject").(string); ok && subject != "" {
				evt = evt.Str("subject", subject)
			}
			if provider := c.Param("provider"); provider != "" {
				evt = evt.Str("provider", provider)
			}
			evt.Msg("request")

			return err
		}
	}
}
