package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/paperbase/internal/pipeline"
	"github.com/mohammad-safakhou/paperbase/internal/summary"
)

// toHTTPError maps pipeline and service errors onto HTTP status codes.
// Anything unmapped becomes a 500 with the underlying message.
func toHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	var valErr *pipeline.ValidationError
	if errors.As(err, &valErr) {
		return echo.NewHTTPError(http.StatusBadRequest, valErr.Error())
	}
	var dupErr *pipeline.DuplicateError
	if errors.As(err, &dupErr) {
		return echo.NewHTTPError(http.StatusConflict, dupErr.Error())
	}
	var conflictErr *pipeline.JobConflictError
	if errors.As(err, &conflictErr) {
		return echo.NewHTTPError(http.StatusConflict, conflictErr.Error())
	}
	if errors.Is(err, pipeline.ErrDocumentNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	var upstream *summary.UpstreamError
	if errors.As(err, &upstream) {
		return echo.NewHTTPError(http.StatusBadGateway, upstream.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
