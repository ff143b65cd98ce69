package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	connKey     contextKey = "db_conn"
)

// AuthTenantKey is the echo context key the auth middleware uses to hand a
// token's tenant claim to the tenant resolver.
const AuthTenantKey = "auth_tenant"

const schemaPrefix = "tenant_"

// tenantIDPattern bounds what may become part of a schema name. Lowercase to
// keep Postgres identifier folding out of the picture.
var tenantIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ValidTenantID reports whether id is usable as a tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// TenantMiddleware resolves the tenant for each request, pins a pooled
// connection to the tenant schema, and stashes both in the request context.
// Resolution order: token claim, X-Tenant-ID header, tenant_id query
// parameter, then the configured default.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := resolveTenantID(c, defaultTenant)
			if !ValidTenantID(tenantID) {
				return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(fmt.Sprintf("invalid tenant identifier %q", tenantID)))
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				log.Error().Err(err).Str("tenant", tenantID).Msg("acquiring tenant connection")
				return c.JSON(http.StatusInternalServerError, fhir.TransientOutcome("database unavailable"))
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, "SET search_path TO "+quoteIdent(schemaPrefix+tenantID)+", public"); err != nil {
				log.Error().Err(err).Str("tenant", tenantID).Msg("scoping tenant connection")
				return c.JSON(http.StatusInternalServerError, fhir.TransientOutcome("tenant resolution failed"))
			}

			ctx = context.WithValue(ctx, tenantIDKey, tenantID)
			ctx = context.WithValue(ctx, connKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func resolveTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get(AuthTenantKey).(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext returns the tenant-scoped connection bound by the
// middleware, or nil outside a tenant request.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext returns the resolved tenant id, or "" outside a tenant
// request.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantIDKey).(string)
	return tid
}

// WithTenant returns a context carrying tenantID, for paths that bypass the
// HTTP middleware such as CLI commands and tests.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// WithTenantConn is the non-HTTP counterpart of TenantMiddleware. It pins a
// pooled connection to the tenant schema, runs fn with a context carrying
// the connection and tenant id, and releases the connection when fn returns.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(context.Context) error) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier %q", tenantID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SET search_path TO "+quoteIdent(schemaPrefix+tenantID)+", public"); err != nil {
		return fmt.Errorf("scope connection to tenant %s: %w", tenantID, err)
	}

	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	ctx = context.WithValue(ctx, connKey, conn)
	return fn(ctx)
}

// ProvisionTenant creates the tenant's schema and brings it to the current
// migration version. Provisioning an existing tenant just applies whatever
// migrations it is missing.
func ProvisionTenant(ctx context.Context, pool *pgxpool.Pool, tenantID, migrationsDir string, log zerolog.Logger) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier %q", tenantID)
	}
	schema := schemaPrefix + tenantID

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	applied, err := NewMigrator(pool, migrationsDir, log).Up(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate schema %s: %w", schema, err)
	}

	log.Info().Str("tenant", tenantID).Int("migrations", applied).Msg("tenant provisioned")
	return nil
}

// TenantSchema returns the schema name for a tenant id.
func TenantSchema(tenantID string) string {
	return schemaPrefix + tenantID
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
