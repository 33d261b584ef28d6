package fhir

import "strings"

// Well-known code system URIs.
const (
	SNOMEDSystem          = "http://snomed.info/sct"
	ICD10System           = "http://hl7.org/fhir/sid/icd-10"
	RxNormSystem          = "http://www.nlm.nih.gov/research/umls/rxnorm"
	LOINCSystem           = "http://loinc.org"
	ActCodeSystem         = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	ActReasonSystem       = "http://terminology.hl7.org/CodeSystem/v3-ActReason"
	PurposeOfUseSystem    = "http://terminology.hl7.org/ValueSet/v3-PurposeOfUse"
	ConfidentialitySystem = "http://terminology.hl7.org/CodeSystem/v3-Confidentiality"
	ResourceTypeSystem    = "http://hl7.org/fhir/resource-types"
)

// systemAliases maps equivalent system URIs and OIDs to a single token so
// that codings from different sources compare equal.
var systemAliases = map[string]string{
	SNOMEDSystem:                     "$SNOMED",
	"2.16.840.1.113883.6.96":         "$SNOMED",
	"urn:oid:2.16.840.1.113883.6.96": "$SNOMED",

	ICD10System:                             "$ICD10",
	"urn:oid:2.16.840.1.113883.6.3":         "$ICD10",
	"http://id.who.int/icd/release/10/2019": "$ICD10",

	RxNormSystem:                     "$RXNORM",
	"2.16.840.1.113883.6.88":         "$RXNORM",
	"urn:oid:2.16.840.1.113883.6.88": "$RXNORM",

	LOINCSystem:                     "$LOINC",
	"2.16.840.1.113883.6.1":         "$LOINC",
	"urn:oid:2.16.840.1.113883.6.1": "$LOINC",

	ActCodeSystem: "$ACT-CODE",

	PurposeOfUseSystem: "$PURPOSE-OF-USE",
	ActReasonSystem:    "$PURPOSE-OF-USE",
}

// CanonicalSystem returns the alias token for a system, or the system itself
// when no alias is registered.
func CanonicalSystem(system string) string {
	if alias, ok := systemAliases[system]; ok {
		return alias
	}
	return system
}

// ShortHand renders the coding as "<canonical system>#<trimmed code>".
func (c Coding) ShortHand() string {
	return CanonicalSystem(c.System) + "#" + strings.TrimSpace(c.Code)
}

// CodeEquals reports exact system and code equality, without aliasing.
func CodeEquals(a, b Coding) bool {
	return a.System == b.System && a.Code == b.Code
}

// RemoveRedundantCodes drops codings that repeat an earlier system+code pair.
// The first occurrence wins and order is preserved.
func RemoveRedundantCodes(codes []Coding) []Coding {
	out := make([]Coding, 0, len(codes))
	seen := make(map[[2]string]bool, len(codes))
	for _, c := range codes {
		key := [2]string{c.System, c.Code}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// CodesIntersection returns the members of a whose canonical short hand
// appears in b. Either side being empty yields an empty result.
func CodesIntersection(a, b []Coding) []Coding {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	index := make(map[string]bool, len(b))
	for _, c := range b {
		index[c.ShortHand()] = true
	}
	var out []Coding
	for _, c := range a {
		if index[c.ShortHand()] {
			out = append(out, c)
		}
	}
	return out
}

// CodesUnion concatenates a and b and removes redundant codes.
func CodesUnion(a, b []Coding) []Coding {
	all := make([]Coding, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return RemoveRedundantCodes(all)
}

// CodingsFrom decodes a JSON coding array held in a generic resource.
// Entries that are not objects or carry no code are skipped.
func CodingsFrom(v interface{}) []Coding {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []Coding
	for _, item := range arr {
		if c, ok := CodingFrom(item); ok {
			out = append(out, c)
		}
	}
	return out
}

// CodingFrom decodes a single coding object.
func CodingFrom(v interface{}) (Coding, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Coding{}, false
	}
	c := Coding{
		System:  stringField(m, "system"),
		Code:    stringField(m, "code"),
		Display: stringField(m, "display"),
	}
	if strings.TrimSpace(c.Code) == "" {
		return Coding{}, false
	}
	return c, true
}

// ConceptCodings flattens the codings of a CodeableConcept or an array of
// CodeableConcepts.
func ConceptCodings(v interface{}) []Coding {
	switch t := v.(type) {
	case map[string]interface{}:
		return CodingsFrom(t["coding"])
	case []interface{}:
		var out []Coding
		for _, item := range t {
			out = append(out, ConceptCodings(item)...)
		}
		return out
	}
	return nil
}

// CodingMap renders a coding in generic resource form.
func CodingMap(c Coding) map[string]interface{} {
	m := map[string]interface{}{"code": c.Code}
	if c.System != "" {
		m["system"] = c.System
	}
	if c.Display != "" {
		m["display"] = c.Display
	}
	return m
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
