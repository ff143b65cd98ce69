package rest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/store"
)

// statusOutcome maps store errors onto HTTP status codes and OperationOutcome
// bodies. Unrecognized errors become opaque 500s so internal detail never
// reaches the wire.
func statusOutcome(err error) (int, *fhir.OperationOutcome) {
	switch {
	case errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, fhir.InvalidOutcome(err.Error())
	case errors.Is(err, store.ErrGone):
		return http.StatusNotFound, fhir.NewOutcome(fhir.SeverityError, fhir.IssueDeleted, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, fhir.NewOutcome(fhir.SeverityError, fhir.IssueNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, fhir.ConflictOutcome(err.Error())
	case errors.Is(err, store.ErrPreconditionFailed), errors.Is(err, store.ErrMultipleMatches):
		return http.StatusPreconditionFailed, fhir.ConflictOutcome(err.Error())
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error")
	}
}

func (h *Handler) writeError(c echo.Context, err error) error {
	status, outcome := statusOutcome(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return c.JSON(status, outcome)
}
