// Package auth validates bearer tokens on the API surface.
//
// Two modes. With a signing key configured, requests must carry a JWT signed
// with that key (HMAC); the token's tenant claim is handed to the tenant
// resolver. Without a key the middleware is a passthrough and tenancy falls
// back to headers, which is the development default.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/platform/db"
)

type contextKey string

const (
	// SubjectKey carries the token subject in the request context.
	SubjectKey contextKey = "auth_subject"
	// ScopesKey carries the token scopes in the request context.
	ScopesKey contextKey = "auth_scopes"
)

// Claims is the token payload the server understands.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scope,omitempty"`
}

// Config controls token validation.
type Config struct {
	// SigningKey enables validation. Empty means passthrough.
	SigningKey []byte
	// Issuer and Audience are checked when non-empty.
	Issuer   string
	Audience string
}

// Enabled reports whether tokens will be validated.
func (c Config) Enabled() bool { return len(c.SigningKey) > 0 }

// Middleware returns the bearer-token validator for the API group. When no
// signing key is configured it admits every request unchanged.
func Middleware(cfg Config, log zerolog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled() {
		log.Warn().Msg("auth disabled, requests are not validated")
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if Public(c) {
				return next(c)
			}

			token, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return unauthorized(c, err.Error())
			}

			claims := &Claims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !parsed.Valid {
				log.Debug().Err(err).Msg("token rejected")
				return unauthorized(c, "invalid token")
			}

			if claims.TenantID != "" {
				c.Set(db.AuthTenantKey, claims.TenantID)
			}
			ctx := context.WithValue(c.Request().Context(), SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, ScopesKey, claims.Scopes)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// Subject returns the authenticated subject, or "" when auth is disabled.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}

// Scopes returns the token scopes bound to the request, if any.
func Scopes(ctx context.Context) []string {
	s, _ := ctx.Value(ScopesKey).([]string)
	return s
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errBadScheme
	}
	return token, nil
}

var (
	errMissingToken = authError("missing bearer token")
	errBadScheme    = authError("authorization header is not a bearer token")
)

type authError string

func (e authError) Error() string { return string(e) }

func unauthorized(c echo.Context, diag string) error {
	return c.JSON(http.StatusUnauthorized,
		fhir.NewOutcome(fhir.SeverityError, fhir.IssueSecurity, diag))
}
