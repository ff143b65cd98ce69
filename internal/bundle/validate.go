package bundle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/store"
)

var entryMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// validateEntry checks the structural rules one batch entry must satisfy on
// its own. Transactions validate the whole bundle up front instead, fullUrl
// uniqueness included.
func validateEntry(e *fhir.TransactionEntry) error {
	if e.Request.Method == "" {
		return fmt.Errorf("request.method is required")
	}
	method := strings.ToUpper(e.Request.Method)
	if !entryMethods[method] {
		return fmt.Errorf("invalid method %q", e.Request.Method)
	}
	if e.Request.URL == "" {
		return fmt.Errorf("request.url is required")
	}
	switch method {
	case "POST", "PUT", "PATCH":
		if e.Resource == nil {
			return fmt.Errorf("%s requires a resource", method)
		}
	}
	return nil
}

// statusFor maps a store error to the HTTP status line carried in a
// per-entry response.
func statusFor(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalid):
		return "400 Bad Request"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrGone):
		return "404 Not Found"
	case errors.Is(err, store.ErrConflict):
		return "409 Conflict"
	case errors.Is(err, store.ErrPreconditionFailed), errors.Is(err, store.ErrMultipleMatches):
		return "412 Precondition Failed"
	default:
		return "500 Internal Server Error"
	}
}

func outcomeFor(err error) *fhir.OperationOutcome {
	msg := err.Error()
	switch {
	case errors.Is(err, store.ErrInvalid):
		return fhir.InvalidOutcome(msg)
	case errors.Is(err, store.ErrNotFound):
		return fhir.NewOutcome(fhir.SeverityError, fhir.IssueNotFound, msg)
	case errors.Is(err, store.ErrGone):
		return fhir.NewOutcome(fhir.SeverityError, fhir.IssueDeleted, msg)
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrPreconditionFailed),
		errors.Is(err, store.ErrMultipleMatches):
		return fhir.ConflictOutcome(msg)
	default:
		return fhir.InternalErrorOutcome(msg)
	}
}
