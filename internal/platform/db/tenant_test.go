package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func echoContext(target string, header map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func TestResolveTenantIDOrder(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		claim  string
		want   string
	}{
		{"default only", "/R4/Patient", nil, "", "main"},
		{"query param", "/R4/Patient?tenant_id=qt", nil, "", "qt"},
		{"header beats query", "/R4/Patient?tenant_id=qt", map[string]string{"X-Tenant-ID": "ht"}, "", "ht"},
		{"claim beats header", "/R4/Patient", map[string]string{"X-Tenant-ID": "ht"}, "ct", "ct"},
		{"empty claim falls through", "/R4/Patient", map[string]string{"X-Tenant-ID": "ht"}, "", "ht"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := echoContext(tt.target, tt.header)
			if tt.claim != "" {
				c.Set(AuthTenantKey, tt.claim)
			}
			if got := resolveTenantID(c, "main"); got != tt.want {
				t.Errorf("resolveTenantID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidTenantID(t *testing.T) {
	for _, id := range []string{"main", "acme", "a", "clinic_7", "a_very_long_but_legal_tenant_id"} {
		if !ValidTenantID(id) {
			t.Errorf("ValidTenantID(%q) = false, want true", id)
		}
	}
	for _, id := range []string{"", "Main", "7clinic", "acme-east", "a b", "_x", "tenant;drop", strings.Repeat("a", 33)} {
		if ValidTenantID(id) {
			t.Errorf("ValidTenantID(%q) = true, want false", id)
		}
	}
}

func TestTenantMiddlewareRejectsBadTenant(t *testing.T) {
	c, rec := echoContext("/R4/Patient", map[string]string{"X-Tenant-ID": "Bad;Tenant"})

	mw := TenantMiddleware(nil, "main", zerolog.Nop())
	if err := mw(func(c echo.Context) error { return nil })(c); err != nil {
		t.Fatalf("middleware error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("body %q is not an OperationOutcome", rec.Body.String())
	}
}

func TestTenantContextHelpers(t *testing.T) {
	if got := TenantFromContext(context.Background()); got != "" {
		t.Errorf("TenantFromContext on empty context = %q", got)
	}
	if conn := ConnFromContext(context.Background()); conn != nil {
		t.Errorf("ConnFromContext on empty context = %v", conn)
	}

	ctx := WithTenant(context.Background(), "acme")
	if got := TenantFromContext(ctx); got != "acme" {
		t.Errorf("TenantFromContext = %q, want acme", got)
	}
}

func TestTenantSchema(t *testing.T) {
	if got := TenantSchema("acme"); got != "tenant_acme" {
		t.Errorf("TenantSchema = %q, want tenant_acme", got)
	}
}

func TestProvisionTenantRejectsBadID(t *testing.T) {
	if err := ProvisionTenant(context.Background(), nil, "no spaces", "", zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an invalid tenant id")
	}
}

func TestWithTenantConnRejectsBadID(t *testing.T) {
	err := WithTenantConn(context.Background(), nil, "Bad Tenant!", func(context.Context) error {
		t.Fatal("fn must not run for an invalid tenant id")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error for an invalid tenant id")
	}
}

func TestTxFromContextEmpty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("TxFromContext on empty context = %v", tx)
	}
}
