package consent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// FHIRAuditSink posts an AuditEvent to the repository the deciding consent
// came from. Only permit and deny decisions are recorded.
type FHIRAuditSink struct {
	client  *fhir.Client
	servers []string
	orgName string
	now     func() time.Time
}

func NewFHIRAuditSink(client *fhir.Client, servers []string, orgName string) *FHIRAuditSink {
	return &FHIRAuditSink{client: client, servers: servers, orgName: orgName, now: time.Now}
}

func (s *FHIRAuditSink) RecordAudit(ctx context.Context, d DecisionEntry, q Query) error {
	if !d.Decision.Applicable() {
		return nil
	}
	base := s.repositoryFor(d.BasedOn)
	if base == "" {
		return errors.New("no repository known for consent " + d.BasedOn)
	}
	return s.client.Create(ctx, base, "AuditEvent", NewAuditEvent(d, q, s.orgName, s.now()))
}

// repositoryFor returns the configured server the consent URL belongs to,
// falling back to the base derived from the URL itself.
func (s *FHIRAuditSink) repositoryFor(consentURL string) string {
	for _, base := range s.servers {
		if base != "" && strings.HasPrefix(consentURL, base) {
			return base
		}
	}
	return RepositoryBase(consentURL)
}

// NewAuditEvent builds the AuditEvent resource describing a decision.
func NewAuditEvent(d DecisionEntry, q Query, orgName string, recorded time.Time) fhir.Resource {
	agent := map[string]interface{}{"requestor": true}
	if len(q.Actor) > 0 {
		agent["who"] = map[string]interface{}{
			"identifier": map[string]interface{}{"system": q.Actor[0].System, "value": q.Actor[0].Value},
		}
	}

	event := fhir.Resource{
		"resourceType": "AuditEvent",
		"id":           uuid.New().String(),
		"type": map[string]interface{}{
			"system":  "http://dicom.nema.org/resources/ontology/DCM",
			"code":    "110113",
			"display": "Security Alert",
		},
		"subtype": []interface{}{
			map[string]interface{}{
				"system":  fhir.ActCodeSystem,
				"code":    "CONSENT-DECISION",
				"display": "Consent decision",
			},
		},
		"action":      "E",
		"recorded":    recorded.UTC().Format(time.RFC3339),
		"outcome":     "0",
		"outcomeDesc": d.Decision.String(),
		"agent":       []interface{}{agent},
		"source": map[string]interface{}{
			"observer": map[string]interface{}{"display": orgName},
		},
		"entity": []interface{}{
			map[string]interface{}{"what": map[string]interface{}{"reference": d.PatientID}},
			map[string]interface{}{"what": map[string]interface{}{"reference": d.ID}},
		},
	}
	if purposes := q.PurposeCodings(); len(purposes) > 0 {
		list := make([]interface{}, 0, len(purposes))
		for _, p := range purposes {
			list = append(list, map[string]interface{}{"coding": []interface{}{fhir.CodingMap(p)}})
		}
		event["purposeOfEvent"] = list
	}
	return event
}

// AuditSinks fans a decision out to several sinks and joins their errors.
type AuditSinks []AuditSink

func (s AuditSinks) RecordAudit(ctx context.Context, d DecisionEntry, q Query) error {
	var errs []error
	for _, sink := range s {
		if err := sink.RecordAudit(ctx, d, q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
