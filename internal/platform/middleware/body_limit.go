package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhird/fhird/internal/fhir"
)

// BodyLimit caps request body sizes. bundleLimit applies to bundle
// submissions (POST to bundlePath), defaultLimit to every other request.
// Limits use a compact notation: "512K", "2M", "1G", or a bare byte count.
//
// A request that announces an oversized Content-Length is refused before
// any bytes are read. Bodies without a declared length are wrapped in
// http.MaxBytesReader, so the read path sees *http.MaxBytesError when the
// cap is crossed and can answer 413 itself.
func BodyLimit(defaultLimit, bundleLimit, bundlePath string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	bundleBytes := parseLimit(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost {
				if p := strings.TrimSuffix(req.URL.Path, "/"); p == bundlePath {
					limit = bundleBytes
				}
			}

			if req.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOutcome(
					fhir.SeverityError, fhir.IssueTooCostly,
					fmt.Sprintf("request body exceeds the %d byte limit", limit)))
			}

			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}

// parseLimit turns "512K", "2M" or "1G" into bytes. A bare number is
// bytes; anything unparseable falls back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var mult int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * mult
}
