package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)

	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

func TestLogger_LevelFollowsOutcome(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
	}{
		{"ok", func(c echo.Context) error { return c.String(http.StatusOK, "ok") }, `"level":"info"`},
		{"service error", func(c echo.Context) error {
			return fhir.WriteServiceError(c, fhir.ServiceUnavailable("down"))
		}, `"level":"warn"`},
		{"handler error", func(c echo.Context) error { return errors.New("boom") }, `"level":"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/test", nil), httptest.NewRecorder())
			c.Set("request_id", "req-1")

			_ = Logger(zerolog.New(&buf))(tt.handler)(c)

			line := buf.String()
			if !strings.Contains(line, tt.level) || !strings.Contains(line, `"request_id":"req-1"`) {
				t.Errorf("unexpected log line %s", line)
			}
		})
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(c echo.Context) error { panic("test panic") })(c)

	var se *fhir.ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("expected a service error, got %T", err)
	}
	if se.HTTPCode != http.StatusInternalServerError || se.Kind != fhir.ErrKindInternal {
		t.Errorf("unexpected error %+v", se)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	err := Recovery(zerolog.Nop())(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"service error", fhir.BadRequest("Invalid request."), http.StatusBadRequest, fhir.ErrKindBadRequest},
		{"not found", echo.ErrNotFound, http.StatusNotFound, fhir.ErrKindNotFound},
		{"http 500", echo.NewHTTPError(http.StatusInternalServerError, "broken"), http.StatusInternalServerError, fhir.ErrKindInternal},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, fhir.ErrKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			ErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var body fhir.ServiceError
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Kind != tt.wantKind || body.Message == "" {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}

func TestSecurityHeaders_SetsAllHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/xacml", nil), rec)

	if err := SecurityHeaders()(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	read := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	}

	tests := []struct {
		name          string
		body          []byte
		contentLength int64
		wantErr       bool
	}{
		{"small body", []byte(`{"resourceType":"Bundle"}`), -2, false},
		{"content length too large", bytes.Repeat([]byte("x"), 2048), -2, true},
		{"unknown length too large", bytes.Repeat([]byte("x"), 2048), -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/sls", bytes.NewReader(tt.body))
			if tt.contentLength == -1 {
				req.ContentLength = -1
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := BodyLimit("1K")(read)(c)

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var se *fhir.ServiceError
			if !errors.As(err, &se) || se.HTTPCode != http.StatusRequestEntityTooLarge {
				t.Errorf("expected 413, got %v", err)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/xacml", nil), httptest.NewRecorder())

	slow := func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.String(http.StatusOK, "ok")
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	err := RequestTimeout(50 * time.Millisecond)(slow)(c)

	var se *fhir.ServiceError
	if !errors.As(err, &se) || se.HTTPCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/xacml", nil), httptest.NewRecorder())
	fast := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	if err := RequestTimeout(time.Second)(fast)(c); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
