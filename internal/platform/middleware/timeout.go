package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. When the
// handler has not finished by then the client gets a 504 and the handler's
// context is cancelled, which in turn cancels outstanding repository calls.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return &fhir.ServiceError{
						HTTPCode: http.StatusGatewayTimeout,
						Kind:     fhir.ErrKindServiceUnavailable,
						Message:  "Request processing exceeded the allowed time limit.",
					}
				}
				return ctx.Err()
			}
		}
	}
}
