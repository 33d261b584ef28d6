package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// ErrorHandler renders every error reaching Echo in the service's
// {"error", "errorMessage"} shape. Server-side errors are logged at warn.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		se := toServiceError(err)
		if se.HTTPCode >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Warn().Err(err).Str("request_id", rid).Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(se.HTTPCode)
		} else {
			werr = c.JSON(se.HTTPCode, se)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

func toServiceError(err error) *fhir.ServiceError {
	var se *fhir.ServiceError
	if errors.As(err, &se) {
		return se
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind := fhir.ErrKindBadRequest
		switch {
		case he.Code == http.StatusUnauthorized || he.Code == http.StatusForbidden:
			kind = fhir.ErrKindUnauthorized
		case he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed:
			kind = fhir.ErrKindNotFound
		case he.Code == http.StatusTooManyRequests || he.Code == http.StatusServiceUnavailable || he.Code == http.StatusGatewayTimeout:
			kind = fhir.ErrKindServiceUnavailable
		case he.Code >= http.StatusInternalServerError:
			kind = fhir.ErrKindInternal
		}
		return &fhir.ServiceError{HTTPCode: he.Code, Kind: kind, Message: fmt.Sprintf("%v", he.Message)}
	}
	return fhir.InternalError(err.Error())
}
