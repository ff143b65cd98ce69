package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestPublicPaths(t *testing.T) {
	cases := []struct {
		path   string
		public bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/R4/metadata", true},
		{"/R4/ws", true},
		{"/R4/Patient", false},
		{"/R4/Patient/:id", false},
		{"", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		c := echo.New().NewContext(req, httptest.NewRecorder())
		c.SetPath(tc.path)
		if got := Public(c); got != tc.public {
			t.Errorf("Public(%q) = %v, want %v", tc.path, got, tc.public)
		}
	}
}

func TestPublicPathSkipsValidation(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/R4/metadata", nil)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetPath("/R4/metadata")

	err := Middleware(Config{SigningKey: testKey}, zerolog.Nop())(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 without a token on a public path", rec.Code)
	}
}
