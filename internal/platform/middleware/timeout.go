package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhird/fhird/internal/fhir"
)

// RequestTimeout puts a deadline on every request context and answers 504
// with an OperationOutcome when a handler blows through it. The handler
// runs in its own goroutine so a query stuck on a lock cannot hold the
// client forever; the cancelled context makes pgx abandon the statement.
//
// Long-lived routes (the notification socket) are exempted by registered
// route path. Handlers that legitimately need more time should derive
// their own deadline from the request context.
func RequestTimeout(timeout time.Duration, exempt ...string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip[c.Path()] {
				return next(c)
			}

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
				if ctx.Err() != context.DeadlineExceeded {
					// Client went away; nothing useful left to write.
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOutcome(
					fhir.SeverityError, fhir.IssueTimeout,
					"request exceeded the processing time limit"))
			}
		}
	}
}
