package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/platform/alerting"
)

// Recovery converts handler panics into 500 responses. Every panic is
// logged with its stack and raised through the alerting sink so
// operators see it alongside failed jobs and dead webhooks. A nil
// alerter only logs.
func Recovery(logger zerolog.Logger, alerts *alerting.Alerter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					rid, _ := c.Get("request_id").(string)

					logger.Error().
						Str("request_id", rid).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					if alerts != nil {
						alerts.Raise(c.Request().Context(), alerting.Alert{
							Kind:    alerting.KindPanic,
							Subject: "handler panic",
							Detail:  fmt.Sprintf("%v", r),
							Context: map[string]string{
								"request_id": rid,
								"method":     c.Request().Method,
								"path":       c.Request().URL.Path,
							},
						})
					}

					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
