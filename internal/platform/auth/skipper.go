package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists routes that bypass token validation: infrastructure
// probes, the FHIR discovery document clients read to learn how to
// authenticate in the first place, and the websocket endpoint (browser
// WebSocket clients cannot set an Authorization header).
var publicPaths = map[string]bool{
	"/health":      true,
	"/health/db":   true,
	"/R4/metadata": true,
	"/R4/ws":       true,
}

// Public reports whether the matched route skips bearer-token validation.
func Public(c echo.Context) bool {
	return publicPaths[c.Path()]
}
