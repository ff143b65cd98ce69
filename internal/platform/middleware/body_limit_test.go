package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func postContext(path, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func TestBodyLimitRejectsDeclaredOversize(t *testing.T) {
	c, rec := postContext("/R4/Patient", strings.Repeat("x", 40))

	var reached bool
	err := BodyLimit("16", "64", "/R4")(func(c echo.Context) error {
		reached = true
		return nil
	})(c)
	if err != nil {
		t.Fatal(err)
	}
	if reached {
		t.Error("handler ran despite the oversized Content-Length")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "too-costly") {
		t.Errorf("body = %s, want an OperationOutcome with code too-costly", body)
	}
}

func TestBodyLimitBundlePathGetsLargerCap(t *testing.T) {
	payload := strings.Repeat("x", 40)
	c, rec := postContext("/R4", payload)

	err := BodyLimit("16", "64", "/R4")(func(c echo.Context) error {
		got, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(got) != len(payload) {
			t.Errorf("read %d bytes, want %d", len(got), len(payload))
		}
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBodyLimitCapsUndeclaredLength(t *testing.T) {
	c, _ := postContext("/R4/Patient", strings.Repeat("x", 40))
	c.Request().ContentLength = -1 // chunked upload, no declared size

	err := BodyLimit("16", "64", "/R4")(func(c echo.Context) error {
		_, readErr := io.ReadAll(c.Request().Body)
		var tooBig *http.MaxBytesError
		if !errors.As(readErr, &tooBig) {
			t.Fatalf("read error = %v, want *http.MaxBytesError", readErr)
		}
		return c.NoContent(http.StatusRequestEntityTooLarge)
	})(c)
	if err != nil {
		t.Fatal(err)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"2M", 2 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"100", 100},
		{" 4m ", 4 << 20},
		{"", 1 << 20},
		{"junk", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tc := range cases {
		if got := parseLimit(tc.in); got != tc.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
