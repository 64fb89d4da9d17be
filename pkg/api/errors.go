package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	echo "github.com/labstack/echo/v5"

	"github.com/streamplex/streamplex/pkg/logclient"
)

// mapError maps lower-layer errors to HTTP error responses. Validation
// failures are the caller's fault and are not logged as errors.
func mapError(err error) *echo.HTTPError {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var validErr validator.ValidationErrors
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}

	slog.Error("Unexpected handler error", "error", err)
	return echo.NewHTTPError(http.StatusBadGateway, "upstream log service unavailable")
}

// requireIdentifier validates a path parameter against the identifier
// constraint.
func requireIdentifier(name, value string) error {
	if value == "" {
		return echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	if !logclient.ValidIdentifier(value) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return nil
}
