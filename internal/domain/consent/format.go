package consent

import (
	"fmt"
	"time"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// ParseRecord normalizes a Consent resource. Resources with a top-level
// decision element follow the R5 layout; everything else is read as R4.
func ParseRecord(e Entry) (Record, error) {
	res := e.Resource
	if res == nil {
		return Record{}, fmt.Errorf("consent entry %q has no resource", e.FullURL)
	}
	if rt := fhir.ResourceType(res); rt != "Consent" {
		return Record{}, fmt.Errorf("consent entry %q has resourceType %q", e.FullURL, rt)
	}
	if _, ok := res["decision"]; ok {
		return parseR5(e)
	}
	return parseR4(e)
}

func parseR4(e Entry) (Record, error) {
	res := e.Resource
	rec := Record{
		ID:               str(res, "id"),
		FullURL:          e.FullURL,
		Status:           str(res, "status"),
		Categories:       fhir.CodesUnion(fhir.ConceptCodings(res["scope"]), fhir.ConceptCodings(res["category"])),
		PatientReference: referenceOf(res["patient"]),
	}

	var err error
	if rec.DateTime, err = optionalDateTime(res, "dateTime"); err != nil {
		return Record{}, err
	}

	root, err := parseProvision(res["provision"], false)
	if err != nil {
		return Record{}, fmt.Errorf("consent %s: %w", rec.ID, err)
	}
	rec.Root = root

	if raw, ok := res["provision"].(map[string]interface{}); ok {
		if rec.Period, err = parsePeriod(raw["period"]); err != nil {
			return Record{}, fmt.Errorf("consent %s: %w", rec.ID, err)
		}
		rec.BaseDecision = decisionFromType(str(raw, "type"))
	}
	if rec.BaseDecision == NoConsent {
		rec.BaseDecision = decisionFromPolicyRule(fhir.ConceptCodings(res["policyRule"]))
	}
	return rec, nil
}

func parseR5(e Entry) (Record, error) {
	res := e.Resource
	patient := referenceOf(res["subject"])
	if patient == "" {
		patient = referenceOf(res["patient"])
	}
	rec := Record{
		ID:               str(res, "id"),
		FullURL:          e.FullURL,
		Status:           str(res, "status"),
		Categories:       fhir.ConceptCodings(res["category"]),
		PatientReference: patient,
		BaseDecision:     decisionFromType(str(res, "decision")),
	}

	var err error
	dateField := "date"
	if _, ok := res[dateField]; !ok {
		dateField = "dateTime"
	}
	if rec.DateTime, err = optionalDateTime(res, dateField); err != nil {
		return Record{}, err
	}
	if rec.Period, err = parsePeriod(res["period"]); err != nil {
		return Record{}, fmt.Errorf("consent %s: %w", rec.ID, err)
	}

	children, err := parseProvisionList(res["provision"], true)
	if err != nil {
		return Record{}, fmt.Errorf("consent %s: %w", rec.ID, err)
	}
	rec.Root = &Provision{Children: children}
	return rec, nil
}

func parseProvision(v interface{}, r5 bool) (*Provision, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("provision is %T, expected object", v)
	}

	p := &Provision{
		Purpose:       fhir.CodingsFrom(m["purpose"]),
		SecurityLabel: fhir.CodingsFrom(m["securityLabel"]),
		Code:          fhir.ConceptCodings(m["code"]),
		Class:         fhir.CodingsFrom(m["class"]),
	}
	if r5 {
		p.Class = fhir.CodesUnion(p.Class, fhir.CodingsFrom(m["documentType"]))
		p.Class = fhir.CodesUnion(p.Class, fhir.CodingsFrom(m["resourceType"]))
	}

	if actors, ok := m["actor"].([]interface{}); ok {
		for _, a := range actors {
			am, ok := a.(map[string]interface{})
			if !ok {
				continue
			}
			p.Actors = append(p.Actors, ActorReference{
				Role:      fhir.ConceptCodings(am["role"]),
				Reference: referenceOf(am["reference"]),
			})
		}
	}

	children, err := parseProvisionList(m["provision"], r5)
	if err != nil {
		return nil, err
	}
	p.Children = children
	return p, nil
}

// parseProvisionList accepts a single provision or an array of them. Falsy
// entries (null, false, "", 0) are dropped.
func parseProvisionList(v interface{}, r5 bool) ([]*Provision, error) {
	var list []interface{}
	switch t := v.(type) {
	case []interface{}:
		list = t
	case map[string]interface{}:
		list = []interface{}{t}
	default:
		if isFalsy(v) {
			return nil, nil
		}
		return nil, fmt.Errorf("provision list is %T, expected array or object", v)
	}
	out := make([]*Provision, 0, len(list))
	for i, item := range list {
		if isFalsy(item) {
			continue
		}
		p, err := parseProvision(item, r5)
		if err != nil {
			return nil, fmt.Errorf("provision[%d]: %w", i, err)
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func isFalsy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case float64:
		return t == 0
	}
	return false
}

func parsePeriod(v interface{}) (*fhir.Period, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	p := &fhir.Period{}
	if s := str(m, "start"); s != "" {
		t, err := fhir.ParseDateTime(s)
		if err != nil {
			return nil, fmt.Errorf("period start: %w", err)
		}
		p.Start = &t
	}
	if s := str(m, "end"); s != "" {
		t, err := fhir.ParseDateTime(s)
		if err != nil {
			return nil, fmt.Errorf("period end: %w", err)
		}
		p.End = &t
	}
	return p, nil
}

func decisionFromPolicyRule(codes []fhir.Coding) Decision {
	for _, c := range codes {
		switch {
		case fhir.CodeEquals(c, PolicyOptIn):
			return ConsentPermit
		case fhir.CodeEquals(c, PolicyOptOut):
			return ConsentDeny
		}
	}
	return NoConsent
}

func optionalDateTime(res fhir.Resource, key string) (time.Time, error) {
	s := str(res, key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := fhir.ParseDateTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("consent %s %s: %w", str(res, "id"), key, err)
	}
	return t, nil
}

func referenceOf(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	return str(m, "reference")
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
