package labeling

import (
	"encoding/json"
	"testing"

	"github.com/ehr/consent-engine/internal/platform/fhir"
)

const testSensitivityRules = `[
  {
    "id": "sud-rule",
    "basis": {"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "42CFRPart2", "display": "42 CFR Part2"},
    "codeSets": [
      {"groupId": "ketamine", "codes": ["http://snomed.info/sct#373526007", "$RXNORM#6130"]},
      {"groupId": "opioids", "codes": ["$SNOMED#5602001"]}
    ],
    "labels": [
      {"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "SUD", "display": "substance use disorder information sensitivity"}
    ]
  }
]`

const testConfidentialityRules = `
- id: restrict-sud
  basis:
    system: http://terminology.hl7.org/CodeSystem/v3-ActCode
    code: 42CFRPart2
    display: 42 CFR Part2
  codes:
    - "$ACT-CODE#SUD"
  labels:
    - system: http://terminology.hl7.org/CodeSystem/v3-Confidentiality
      code: R
      display: restricted
`

func testLabeler(t *testing.T) *Labeler {
	t.Helper()
	sens, err := ParseSensitivityRules([]byte(testSensitivityRules))
	if err != nil {
		t.Fatalf("parse sensitivity rules: %v", err)
	}
	conf, err := ParseConfidentialityRules([]byte(testConfidentialityRules))
	if err != nil {
		t.Fatalf("parse confidentiality rules: %v", err)
	}
	return NewLabeler(Rules{Sensitivity: sens, Confidentiality: conf}, nil)
}

func decode(t *testing.T, raw string) fhir.Resource {
	t.Helper()
	var r fhir.Resource
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return r
}

const ketamineObservation = `{
  "resourceType": "Observation",
  "id": "obs-1",
  "code": {"coding": [{"system": "http://loinc.org", "code": "3426-4"}]},
  "valueCodeableConcept": {"coding": [{"system": "2.16.840.1.113883.6.96", "code": "373526007", "display": "Ketamine"}]}
}`

const bacteriaObservation = `{
  "resourceType": "Observation",
  "id": "obs-2",
  "code": {"coding": [{"system": "http://loinc.org", "code": "6463-4"}]}
}`

func labelCodes(res fhir.Resource) map[string]bool {
	out := map[string]bool{}
	for _, c := range fhir.SecurityLabels(res) {
		out[c.Code] = true
	}
	return out
}

func TestLabelResource_Sensitive(t *testing.T) {
	l := testLabeler(t)
	res := decode(t, ketamineObservation)

	labeled := l.LabelResource(res)

	codes := labelCodes(labeled)
	if !codes["SUD"] || !codes["R"] || len(codes) != 2 {
		t.Fatalf("expected SUD and R labels, got %v", codes)
	}

	for _, raw := range fhir.RawSecurityLabels(labeled) {
		label := raw.(map[string]interface{})
		ext, ok := label["extension"].([]interface{})
		if !ok || len(ext) != 2 {
			t.Fatalf("expected basis and rule extensions on %v", label["code"])
		}
		basis := ext[0].(map[string]interface{})
		if basis["url"] != fhir.SecLabelBasisExtension {
			t.Errorf("unexpected extension url %v", basis["url"])
		}
		if basis["valueCoding"].(map[string]interface{})["code"] != "42CFRPart2" {
			t.Errorf("unexpected basis %v", basis["valueCoding"])
		}
		rule := ext[1].(map[string]interface{})
		switch label["code"] {
		case "SUD":
			if rule["valueString"] != "sud-rule/ketamine" {
				t.Errorf("expected sud-rule/ketamine provenance, got %v", rule["valueString"])
			}
		case "R":
			if rule["valueString"] != "restrict-sud" {
				t.Errorf("expected restrict-sud provenance, got %v", rule["valueString"])
			}
		}
	}

	if _, ok := res["meta"]; ok {
		t.Error("input resource was modified")
	}
}

func TestLabelResource_NonSensitive(t *testing.T) {
	l := testLabeler(t)
	labeled := l.LabelResource(decode(t, bacteriaObservation))

	labels := fhir.RawSecurityLabels(labeled)
	if labels == nil || len(labels) != 0 {
		t.Errorf("expected an empty security list, got %v", labels)
	}
}

func TestLabelResource_NoRedundantLabels(t *testing.T) {
	l := testLabeler(t)
	res := decode(t, ketamineObservation)
	res["meta"] = map[string]interface{}{
		"security": []interface{}{
			map[string]interface{}{"system": fhir.ActCodeSystem, "code": "SUD"},
		},
	}

	labeled := l.LabelResource(res)
	if got := len(fhir.SecurityLabels(labeled)); got != 2 {
		t.Errorf("expected 2 labels, got %d", got)
	}
}

func TestLabelResource_Idempotent(t *testing.T) {
	l := testLabeler(t)
	once := l.LabelResource(decode(t, ketamineObservation))
	twice := l.LabelResource(once)

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	if string(a) != string(b) {
		t.Errorf("labeling is not idempotent:\n%s\n%s", a, b)
	}
}

func TestLabelResource_ConfidentialityFromExistingLabels(t *testing.T) {
	l := testLabeler(t)
	res := decode(t, bacteriaObservation)
	res["meta"] = map[string]interface{}{
		"security": []interface{}{
			map[string]interface{}{"system": fhir.ActCodeSystem, "code": "SUD"},
		},
	}

	codes := labelCodes(l.LabelResource(res))
	if !codes["R"] {
		t.Errorf("expected R from existing SUD label, got %v", codes)
	}
}

func TestLabelBundle_KeepsOrderAndFields(t *testing.T) {
	l := testLabeler(t)
	bundle := decode(t, `{"resourceType":"Bundle","type":"collection","id":"b1","entry":[
		{"fullUrl":"urn:1","resource":`+ketamineObservation+`},
		{"fullUrl":"urn:2","resource":`+bacteriaObservation+`}
	]}`)

	labeled := l.LabelBundle(bundle)
	if labeled["id"] != "b1" {
		t.Error("expected bundle fields to be kept")
	}
	entries := fhir.BundleEntries(labeled)
	if len(entries) != 2 || entries[0]["fullUrl"] != "urn:1" || entries[1]["fullUrl"] != "urn:2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	first, _ := fhir.EntryResource(entries[0])
	if !labelCodes(first)["SUD"] {
		t.Error("expected first entry to be labeled")
	}
	second, _ := fhir.EntryResource(entries[1])
	if len(fhir.SecurityLabels(second)) != 0 {
		t.Error("expected second entry to stay unlabeled")
	}
}

func TestLabelBundle_WithoutEntries(t *testing.T) {
	l := testLabeler(t)
	bundle := decode(t, `{"resourceType":"Bundle","type":"collection","id":"b2"}`)

	labeled := l.LabelBundle(bundle)
	if _, ok := labeled["entry"]; ok {
		t.Errorf("expected no entry element, got %v", labeled["entry"])
	}
	if len(labeled) != len(bundle) || labeled["id"] != "b2" {
		t.Errorf("expected bundle unchanged, got %v", labeled)
	}
}

func TestLabelBundleDiff(t *testing.T) {
	l := testLabeler(t)
	bundle := decode(t, `{"resourceType":"Bundle","type":"collection","entry":[
		{"resource":`+ketamineObservation+`},
		{"resource":`+bacteriaObservation+`}
	]}`)

	changed := l.LabelBundleDiff(bundle)
	if len(changed) != 1 || changed[0]["id"] != "obs-1" {
		t.Errorf("expected only obs-1 to change, got %d resources", len(changed))
	}
}

func TestNewLabeler_EmptyRules(t *testing.T) {
	l := NewLabeler(Rules{}, nil)
	labeled := l.LabelResource(decode(t, ketamineObservation))
	if len(fhir.SecurityLabels(labeled)) != 0 {
		t.Error("expected no labels without rules")
	}
}

type countingObserver struct{ n int }

func (c *countingObserver) ObserveLabels(n int) { c.n += n }

func TestLabeler_Observer(t *testing.T) {
	sens, _ := ParseSensitivityRules([]byte(testSensitivityRules))
	obs := &countingObserver{}
	l := NewLabeler(Rules{Sensitivity: sens}, obs)
	l.LabelResource(decode(t, ketamineObservation))
	if obs.n != 1 {
		t.Errorf("expected 1 observed label, got %d", obs.n)
	}
}
