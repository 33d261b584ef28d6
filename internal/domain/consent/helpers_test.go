package consent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

var (
	medicareID = fhir.Identifier{System: "http://hl7.org/fhir/sid/us-medicare", Value: "0000-000-0000"}
	orgNPI     = fhir.Identifier{System: "http://hl7.org/fhir/sid/us-npi", Value: "1111111111"}
	otherNPI   = fhir.Identifier{System: "http://hl7.org/fhir/sid/us-npi", Value: "9999999999"}

	privacyScope = fhir.Coding{System: ConsentScopeSystem, Code: "patient-privacy"}
	restricted   = fhir.Coding{System: fhir.ConfidentialitySystem, Code: "R"}
	fixedNow     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func mustResource(t *testing.T, raw string) fhir.Resource {
	t.Helper()
	var r fhir.Resource
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("decode fixture: %v\n%s", err, raw)
	}
	return r
}

// r4Consent builds an active R4 patient-privacy consent with the given root
// type, dateTime and nested provisions (a JSON array).
func r4Consent(t *testing.T, id, rootType, dateTime, provisions string) fhir.Resource {
	t.Helper()
	if provisions == "" {
		provisions = "[]"
	}
	return mustResource(t, `{
		"resourceType": "Consent",
		"id": "`+id+`",
		"status": "active",
		"scope": {"coding": [{"system": "`+ConsentScopeSystem+`", "code": "patient-privacy"}]},
		"category": [{"coding": [{"system": "http://loinc.org", "code": "59284-0"}]}],
		"patient": {"reference": "Patient/p1"},
		"dateTime": "`+dateTime+`",
		"provision": {
			"type": "`+rootType+`",
			"period": {"start": "2020-01-01", "end": "2030-12-31"},
			"provision": `+provisions+`
		}
	}`)
}

const actorDenyProvision = `[{
	"type": "deny",
	"actor": [{"reference": {"reference": "Organization/org-1"}}]
}]`

const restrictedLabelProvision = `[{
	"type": "deny",
	"securityLabel": [{"system": "http://terminology.hl7.org/CodeSystem/v3-Confidentiality", "code": "R"}]
}]`

type fakeIdentities struct {
	ids   map[string][]fhir.Identifier
	err   error
	calls atomic.Int32
}

func (f *fakeIdentities) FetchIdentifiers(_ context.Context, _, reference string) ([]fhir.Identifier, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.ids[reference], nil
}

func orgIdentities() *fakeIdentities {
	return &fakeIdentities{ids: map[string][]fhir.Identifier{"Organization/org-1": {orgNPI}}}
}

func newTestProcessor(ids IdentityRepository, audit AuditSink) *Processor {
	return NewProcessor(ids, audit, zerolog.Nop(), WithClock(func() time.Time { return fixedNow }))
}

func privacyQuery(actors ...fhir.Identifier) Query {
	return Query{
		PatientIdentifiers: []fhir.Identifier{medicareID},
		Category:           []fhir.Coding{privacyScope},
		PurposeOfUse:       []string{"TREAT"},
		Actor:              actors,
	}
}

// fakeFHIRServer serves Patient and Consent searches plus actor reads for a
// single patient.
type fakeFHIRServer struct {
	*httptest.Server

	mu       sync.Mutex
	consents []fhir.Resource
	actors   map[string]fhir.Resource
	created  []fhir.Resource
	patient  bool
	fail     bool
}

func newFakeFHIRServer(t *testing.T, consents ...fhir.Resource) *fakeFHIRServer {
	t.Helper()
	s := &fakeFHIRServer{
		consents: consents,
		patient:  true,
		actors: map[string]fhir.Resource{
			"/Organization/org-1": {
				"resourceType": "Organization",
				"id":           "org-1",
				"identifier": []interface{}{
					map[string]interface{}{"system": orgNPI.System, "value": orgNPI.Value},
				},
			},
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeFHIRServer) base() string {
	return s.URL + "/"
}

func (s *fakeFHIRServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/fhir+json")
	if s.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/Patient":
		var entries []interface{}
		if s.patient && r.URL.Query().Get("identifier") == medicareID.SearchToken() {
			entries = append(entries, map[string]interface{}{
				"fullUrl":  s.URL + "/Patient/p1",
				"resource": map[string]interface{}{"resourceType": "Patient", "id": "p1"},
			})
		}
		writeBundle(w, entries)
	case r.Method == http.MethodGet && r.URL.Path == "/Consent":
		var entries []interface{}
		if r.URL.Query().Get("patient") == "Patient/p1" {
			for _, c := range s.consents {
				id, _ := c["id"].(string)
				entries = append(entries, map[string]interface{}{
					"fullUrl":  s.URL + "/Consent/" + id,
					"resource": c,
				})
			}
		}
		writeBundle(w, entries)
	case r.Method == http.MethodPost && r.URL.Path == "/AuditEvent":
		var event fhir.Resource
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.created = append(s.created, event)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(event)
	case r.Method == http.MethodGet:
		res, ok := s.actors[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(fhir.NewOperationOutcome("error", "not-found", strings.TrimPrefix(r.URL.Path, "/")+" not found"))
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeFHIRServer) update(fn func(*fakeFHIRServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeFHIRServer) auditEvents() []fhir.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fhir.Resource(nil), s.created...)
}

func writeBundle(w http.ResponseWriter, entries []interface{}) {
	if entries == nil {
		entries = []interface{}{}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(entries),
		"entry":        entries,
	})
}
