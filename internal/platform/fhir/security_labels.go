package fhir

// Extension URLs attached to labels applied by the labeling service.
const (
	SecLabelBasisExtension = "http://hl7.org/fhir/uv/security-label-ds4p/StructureDefinition/extension-sec-label-basis"
	SecLabelRuleExtension  = "urn:ehr:consent-engine:sec-label-rule"
)

// SecurityLabels returns the codings under meta.security of a resource.
func SecurityLabels(resource Resource) []Coding {
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		return nil
	}
	return CodingsFrom(meta["security"])
}

// RawSecurityLabels returns meta.security entries as stored, extensions included.
func RawSecurityLabels(resource Resource) []interface{} {
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		return nil
	}
	labels, _ := meta["security"].([]interface{})
	return labels
}

// WithSecurityLabels returns a shallow copy of resource whose meta.security is
// replaced by labels. The input resource and its meta are not modified.
func WithSecurityLabels(resource Resource, labels []interface{}) Resource {
	out := make(Resource, len(resource)+1)
	for k, v := range resource {
		out[k] = v
	}
	meta := map[string]interface{}{}
	if existing, ok := resource["meta"].(map[string]interface{}); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	meta["security"] = labels
	out["meta"] = meta
	return out
}

// ResourceType returns the resourceType of a generic resource.
func ResourceType(resource Resource) string {
	return stringField(resource, "resourceType")
}
