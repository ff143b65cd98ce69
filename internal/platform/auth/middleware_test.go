package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/platform/db"
)

var testKey = []byte("unit-test-signing-key")

func signToken(t *testing.T, key []byte, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func runAuth(t *testing.T, cfg Config, authorization string) (echo.Context, *httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/R4/Patient", nil)
	if authorization != "" {
		req.Header.Set(echo.HeaderAuthorization, authorization)
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	err := Middleware(cfg, zerolog.Nop())(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	return c, rec, err
}

func TestPassthroughWhenDisabled(t *testing.T) {
	_, rec, err := runAuth(t, Config{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without any token", rec.Code)
	}
}

func TestRejectsMalformedAuthorization(t *testing.T) {
	cfg := Config{SigningKey: testKey}

	cases := []struct {
		name   string
		header string
		diag   string
	}{
		{"missing", "", "missing bearer token"},
		{"wrong scheme", "Basic dXNlcjpwdw==", "not a bearer token"},
		{"bare scheme", "Bearer", "missing bearer token"},
		{"garbage token", "Bearer not.a.jwt", "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rec, err := runAuth(t, cfg, tc.header)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, "OperationOutcome") {
				t.Errorf("body %q is not an OperationOutcome", body)
			}
			if !strings.Contains(body, tc.diag) {
				t.Errorf("body %q missing diagnostic %q", body, tc.diag)
			}
		})
	}
}

func TestRejectsForeignSignature(t *testing.T) {
	token := signToken(t, []byte("some-other-key"), Claims{TenantID: "acme"})
	_, rec, err := runAuth(t, Config{SigningKey: testKey}, "Bearer "+token)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a foreign signature", rec.Code)
	}
}

func TestRejectsExpiredToken(t *testing.T) {
	token := signToken(t, testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	_, rec, err := runAuth(t, Config{SigningKey: testKey}, "Bearer "+token)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for an expired token", rec.Code)
	}
}

func TestAcceptsValidToken(t *testing.T) {
	token := signToken(t, testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "practitioner-7"},
		TenantID:         "acme",
		Scopes:           []string{"user/*.read"},
	})

	c, rec, err := runAuth(t, Config{SigningKey: testKey}, "Bearer "+token)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got, _ := c.Get(db.AuthTenantKey).(string); got != "acme" {
		t.Errorf("tenant claim = %q, want acme", got)
	}
	ctx := c.Request().Context()
	if got := Subject(ctx); got != "practitioner-7" {
		t.Errorf("Subject = %q, want practitioner-7", got)
	}
	if got := Scopes(ctx); len(got) != 1 || got[0] != "user/*.read" {
		t.Errorf("Scopes = %v, want [user/*.read]", got)
	}
}

func TestIssuerAndAudienceChecked(t *testing.T) {
	cfg := Config{SigningKey: testKey, Issuer: "https://idp.example.com", Audience: "fhird"}

	good := signToken(t, testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "https://idp.example.com",
			Audience: jwt.ClaimStrings{"fhird"},
		},
		TenantID: "acme",
	})
	_, rec, err := runAuth(t, cfg, "Bearer "+good)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("matching issuer and audience rejected with %d", rec.Code)
	}

	foreign := signToken(t, testKey, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "https://rogue.example.com",
			Audience: jwt.ClaimStrings{"fhird"},
		},
	})
	_, rec, err = runAuth(t, cfg, "Bearer "+foreign)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign issuer accepted with %d", rec.Code)
	}
}
