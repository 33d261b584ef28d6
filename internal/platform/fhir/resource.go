package fhir

import (
	"fmt"
	"strings"
	"time"
)

// Resource is a FHIR resource decoded from JSON. Resources are kept in their
// generic form so that unknown elements survive a round trip untouched.
type Resource = map[string]interface{}

type Coding struct {
	System  string `json:"system,omitempty" yaml:"system,omitempty"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Display string `json:"display,omitempty" yaml:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains returns true if the given time falls within the period. Both
// bounds are inclusive and a nil bound means the period is open-ended in
// that direction.
func (p *Period) Contains(t time.Time) bool {
	if p == nil {
		return true
	}
	if p.Start != nil && t.Before(*p.Start) {
		return false
	}
	if p.End != nil && t.After(*p.End) {
		return false
	}
	return true
}

// dateTimeLayouts are the FHIR date/dateTime precisions accepted by ParseDateTime.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDateTime parses a FHIR date or dateTime value. Partial dates resolve
// to the start of the period they name, in UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid FHIR dateTime %q", s)
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// Diagnostics joins the diagnostics of every issue in the outcome.
func (o *OperationOutcome) Diagnostics() string {
	if o == nil {
		return ""
	}
	var parts []string
	for _, issue := range o.Issue {
		if issue.Diagnostics != "" {
			parts = append(parts, issue.Diagnostics)
		}
	}
	return strings.Join(parts, "; ")
}
