package middleware

import (
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
)

// Recovery turns handler panics into opaque 500 OperationOutcome responses
// instead of dropped connections. The panic value and stack go to the log
// only.
func Recovery(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := make([]byte, 8192)
					n := runtime.Stack(stack, false)

					rid, _ := c.Get("request_id").(string)
					log.Error().
						Str("request_id", rid).
						Interface("panic", r).
						Bytes("stack", stack[:n]).
						Msg("panic recovered")

					err = c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error"))
				}
			}()
			return next(c)
		}
	}
}
