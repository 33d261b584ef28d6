package consent

import (
	"encoding/json"
	"time"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// Record is a consent normalized from any supported wire format.
type Record struct {
	ID               string
	FullURL          string
	Status           string
	Categories       []fhir.Coding
	PatientReference string
	DateTime         time.Time
	Period           *fhir.Period
	BaseDecision     Decision
	Root             *Provision
}

// Provision is a node in a consent's provision tree. A nil dimension slice
// means the provision does not constrain that dimension.
type Provision struct {
	Purpose       []fhir.Coding
	Actors        []ActorReference
	Class         []fhir.Coding
	SecurityLabel []fhir.Coding
	Code          []fhir.Coding
	Children      []*Provision
}

// ActorReference points at the resource describing a provision actor.
type ActorReference struct {
	Role      []fhir.Coding
	Reference string
}

// Query is the context a consent decision is requested for.
type Query struct {
	PatientIdentifiers []fhir.Identifier
	Category           []fhir.Coding
	PurposeOfUse       []string
	Actor              []fhir.Identifier
	Class              []fhir.Coding
	// Content is an optional bundle the decision should be applied to.
	Content fhir.Resource
}

// PurposeCodings returns the query purposes as codings in the purpose-of-use
// value set.
func (q Query) PurposeCodings() []fhir.Coding {
	out := make([]fhir.Coding, 0, len(q.PurposeOfUse))
	for _, p := range q.PurposeOfUse {
		out = append(out, fhir.Coding{System: fhir.PurposeOfUseSystem, Code: p})
	}
	return out
}

// Entry is a consent resource as discovered in a repository.
type Entry struct {
	FullURL  string
	Resource fhir.Resource
}

// DecisionEntry is the result of processing a patient's consents.
type DecisionEntry struct {
	Decision    Decision     `json:"decision"`
	Obligations []Obligation `json:"obligations"`
	DateTime    time.Time    `json:"dateTime"`
	BasedOn     string       `json:"basedOn,omitempty"`
	ID          string       `json:"id,omitempty"`
	PatientID   string       `json:"patientId,omitempty"`
	// Content is the query content after the decision was applied to it.
	Content fhir.Resource `json:"content,omitempty"`
}

// noConsentEntry is the decision when nothing applies.
func noConsentEntry() DecisionEntry {
	return DecisionEntry{
		Decision:    NoConsent,
		Obligations: []Obligation{},
		DateTime:    time.Unix(0, 0).UTC(),
	}
}

// MarshalJSON renders the dateTime in FHIR form and always emits an
// obligations array.
func (d DecisionEntry) MarshalJSON() ([]byte, error) {
	type alias DecisionEntry
	out := struct {
		alias
		DateTime string `json:"dateTime"`
	}{alias: alias(d), DateTime: d.DateTime.UTC().Format(time.RFC3339)}
	if out.Obligations == nil {
		out.Obligations = []Obligation{}
	}
	return json.Marshal(out)
}
