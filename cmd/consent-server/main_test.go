package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/config"
	"github.com/ehr/consent-engine/internal/domain/labeling"
)

func testConfig(servers ...string) *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		LogLevel:           "info",
		ConsentFHIRServers: servers,
		FHIRClientTimeout:  5 * time.Second,
		OrgName:            "Test Consent Service",
		OrgURL:             "https://consent.example",
		CORSOrigins:        []string{"*"},
	}
}

func mustServer(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	e, err := newServer(cfg, zerolog.Nop(), serverDeps{})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func serve(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

// emptyRepository answers every patient search with an empty bundle.
func emptyRepository(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =========== Operational route Tests ===========

func TestPing(t *testing.T) {
	e := mustServer(t, testConfig())

	tests := []struct {
		query      string
		wantStatus int
		wantKind   string
		wantMsg    string
	}{
		{"", http.StatusOK, "", ""},
		{"?error=bad_request", http.StatusBadRequest, "bad_request", "Invalid request."},
		{"?error=internal_error", http.StatusInternalServerError, "internal_error", "Internal server error."},
		{"?error=unknown", http.StatusOK, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := serve(e, http.MethodGet, "/ping"+tt.query, "", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantKind == "" {
				if rec.Body.Len() != 0 {
					t.Errorf("expected empty body, got %q", rec.Body.String())
				}
				return
			}
			body := decodeBody(t, rec)
			if body["error"] != tt.wantKind || body["errorMessage"] != tt.wantMsg {
				t.Errorf("unexpected error body %v", body)
			}
		})
	}
}

func TestHealthWithoutAuditDatabase(t *testing.T) {
	rec := serve(mustServer(t, testConfig()), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["auditDatabase"] != "disabled" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := mustServer(t, testConfig())
	serve(e, http.MethodGet, "/ping", "", nil)

	rec := serve(e, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "http_server_request_duration_seconds") {
		t.Error("expected request duration histogram in metrics output")
	}
}

func TestUnknownRoute(t *testing.T) {
	rec := serve(mustServer(t, testConfig()), http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "not_found" {
		t.Errorf("unexpected body %v", body)
	}
}

// =========== Decision route Tests ===========

func TestCDSDiscoveryListsBothHooks(t *testing.T) {
	rec := serve(mustServer(t, testConfig()), http.MethodGet, "/cds-services", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Services []struct {
			ID string `json:"id"`
		} `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, s := range body.Services {
		ids[s.ID] = true
	}
	if !ids["patient-consent-consult"] || !ids["bundle-security-label"] {
		t.Errorf("expected both hooks, got %v", ids)
	}
}

const consultRequest = `{
	"hook": "patient-consent-consult",
	"hookInstance": "0f0a8a6e-7c46-4a41-a1a5-6b4f5c0d6f1e",
	"context": {
		"patientId": [{"system": "http://hl7.org/fhir/sid/us-medicare", "value": "0000-000-0000"}],
		"purposeOfUse": ["TREAT"],
		"category": [{"system": "http://terminology.hl7.org/CodeSystem/consentscope", "code": "patient-privacy"}]
	}
}`

func TestConsentHookAgainstRepository(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
	}{
		{"unknown patient", http.StatusOK, http.StatusOK},
		{"repository down", http.StatusInternalServerError, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := emptyRepository(t, tt.status)
			e := mustServer(t, testConfig(repo.URL))

			rec := serve(e, http.MethodPost, "/cds-services/patient-consent-consult", consultRequest, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if tt.wantStatus != http.StatusOK {
				if body["error"] != "service_unavailable" {
					t.Errorf("unexpected error body %v", body)
				}
				return
			}
			cards, _ := body["cards"].([]interface{})
			if len(cards) != 1 {
				t.Fatalf("expected one card, got %v", body)
			}
			card := cards[0].(map[string]interface{})
			if card["summary"] != "NO_CONSENT" || card["indicator"] != "warning" {
				t.Errorf("unexpected card %v", card)
			}
		})
	}
}

func TestAuthProtectsDecisionRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.AuthSigningKey = "test-signing-key"
	e := mustServer(t, cfg)

	for _, path := range []string{"/xacml", "/sls", "/cds-services/patient-consent-consult"} {
		rec := serve(e, http.MethodPost, path, `{}`, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("POST %s: expected 401, got %d", path, rec.Code)
			continue
		}
		if body := decodeBody(t, rec); body["error"] != "unauthorized" {
			t.Errorf("POST %s: unexpected body %v", path, body)
		}
	}

	if rec := serve(e, http.MethodGet, "/cds-services", "", nil); rec.Code != http.StatusOK {
		t.Errorf("discovery should stay public, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/ping", "", nil); rec.Code != http.StatusOK {
		t.Errorf("ping should stay public, got %d", rec.Code)
	}
}

func TestBadUpstreamKeyFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamAuthClientEmail = "svc@example.iam"
	cfg.UpstreamAuthPrivateKey = "not a key"
	cfg.UpstreamAuthTokenURL = "https://token.example"
	if _, err := newServer(cfg, zerolog.Nop(), serverDeps{}); err == nil {
		t.Error("expected error for unparsable upstream key")
	}
}

// =========== CLI Tests ===========

func TestLabelDocument(t *testing.T) {
	rules := labeling.Rules{
		Confidentiality: []labeling.ConfidentialityRule{{
			ID:    "restrict-sud",
			Codes: []string{"http://terminology.hl7.org/CodeSystem/v3-ActCode#SUD"},
		}},
	}
	labeler := labeling.NewLabeler(rules, nil)

	var out bytes.Buffer
	err := labelDocument(labeler, []byte(`{"resourceType":"Observation","id":"obs-1"}`), &out)
	if err != nil {
		t.Fatalf("labelDocument: %v", err)
	}
	var labeled map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &labeled); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if labeled["id"] != "obs-1" {
		t.Errorf("unexpected output %v", labeled)
	}

	for _, bad := range []string{`not json`, `{"id":"x"}`} {
		if err := labelDocument(labeler, []byte(bad), &out); err == nil {
			t.Errorf("expected error for %s", bad)
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for level, want := range tests {
		cfg := testConfig()
		cfg.LogLevel = level
		if got := newLogger(cfg, &bytes.Buffer{}).GetLevel(); got != want {
			t.Errorf("LOG_LEVEL %q: got %s, want %s", level, got, want)
		}
	}
}
