package consent

import (
	"encoding/json"
	"strings"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// XACMLAttribute is a single attribute of a XACML JSON request category.
type XACMLAttribute struct {
	AttributeID string          `json:"AttributeId"`
	Value       json.RawMessage `json:"Value"`
}

type xacmlCategory struct {
	Attribute []XACMLAttribute `json:"Attribute"`
}

// XACMLRequest is the subset of the XACML JSON profile request the decision
// endpoint understands.
type XACMLRequest struct {
	Request struct {
		AccessSubject []xacmlCategory `json:"AccessSubject"`
		Action        []xacmlCategory `json:"Action"`
		Resource      []xacmlCategory `json:"Resource"`
	} `json:"Request"`
}

// XACMLResponse is a XACML JSON profile response with a single result.
type XACMLResponse struct {
	Response []XACMLResult `json:"Response"`
}

type XACMLResult struct {
	Decision    string            `json:"Decision"`
	Obligations []XACMLObligation `json:"Obligations"`
}

type XACMLObligation struct {
	ID                  fhir.Coding                `json:"Id"`
	AttributeAssignment []XACMLAttributeAssignment `json:"AttributeAssignment"`
}

type XACMLAttributeAssignment struct {
	AttributeID string        `json:"AttributeId"`
	Value       []fhir.Coding `json:"Value"`
}

var xacmlDecisions = map[Decision]string{
	NoConsent:     "NotApplicable",
	ConsentPermit: "Permit",
	ConsentDeny:   "Deny",
}

// Query converts the request attributes into a decision query. The patient
// identifiers are required.
func (r XACMLRequest) Query() (Query, error) {
	var q Query
	resource := firstCategory(r.Request.Resource)
	action := firstCategory(r.Request.Action)
	subject := firstCategory(r.Request.AccessSubject)

	if err := decodeAttribute(resource, "patientId", &q.PatientIdentifiers); err != nil {
		return Query{}, err
	}
	if len(q.PatientIdentifiers) == 0 {
		return Query{}, fhir.BadRequest("Invalid request: Resource attribute patientId is required")
	}
	if err := decodeAttribute(resource, "class", &q.Class); err != nil {
		return Query{}, err
	}

	var scope, category []fhir.Coding
	if err := decodeAttribute(action, "scope", &scope); err != nil {
		return Query{}, err
	}
	if err := decodeAttribute(action, "category", &category); err != nil {
		return Query{}, err
	}
	q.Category = fhir.CodesUnion(scope, category)

	purpose, err := decodeStrings(action, "purposeOfUse")
	if err != nil {
		return Query{}, err
	}
	q.PurposeOfUse = purpose

	if err := decodeAttribute(subject, "actor", &q.Actor); err != nil {
		return Query{}, err
	}
	return q, nil
}

// AsXACMLResponse renders a decision as a XACML JSON response.
func AsXACMLResponse(d DecisionEntry) XACMLResponse {
	decision, ok := xacmlDecisions[d.Decision]
	if !ok {
		decision = xacmlDecisions[NoConsent]
	}
	obligations := make([]XACMLObligation, 0, len(d.Obligations))
	for _, o := range d.Obligations {
		codes := o.ParameterCodes()
		if codes == nil {
			codes = []fhir.Coding{}
		}
		obligations = append(obligations, XACMLObligation{
			ID: o.ID,
			AttributeAssignment: []XACMLAttributeAssignment{{
				AttributeID: o.ParameterName(),
				Value:       codes,
			}},
		})
	}
	return XACMLResponse{Response: []XACMLResult{{Decision: decision, Obligations: obligations}}}
}

func firstCategory(list []xacmlCategory) []XACMLAttribute {
	if len(list) == 0 {
		return nil
	}
	return list[0].Attribute
}

func findAttribute(attrs []XACMLAttribute, id string) json.RawMessage {
	for _, a := range attrs {
		if a.AttributeID == id {
			return a.Value
		}
	}
	return nil
}

// decodeAttribute decodes an attribute value that is either a single item or
// an array of items into out, which must point at a slice.
func decodeAttribute(attrs []XACMLAttribute, id string, out interface{}) error {
	raw := findAttribute(attrs, id)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		raw = json.RawMessage("[" + trimmed + "]")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fhir.BadRequest("Invalid request: attribute %s: %v", id, err)
	}
	return nil
}

func decodeStrings(attrs []XACMLAttribute, id string) ([]string, error) {
	var out []string
	if err := decodeAttribute(attrs, id, &out); err != nil {
		return nil, err
	}
	for i, s := range out {
		if strings.TrimSpace(s) == "" {
			return nil, fhir.BadRequest("Invalid request: attribute %s[%d] is empty", id, i)
		}
	}
	return out, nil
}

