package consent

import "github.com/ehr/consent-engine/internal/platform/fhir"

// MaybeRedactBundle removes the bundle entries that any redaction obligation
// flags. Bundles are returned untouched when no redaction obligation applies;
// otherwise a new bundle is built and the input is left as is.
func MaybeRedactBundle(obligations []Obligation, bundle fhir.Resource) fhir.Resource {
	var redact []Obligation
	for _, o := range obligations {
		if o.IsRedact() {
			redact = append(redact, o)
		}
	}
	if len(redact) == 0 || bundle == nil {
		return bundle
	}

	entries := fhir.BundleEntries(bundle)
	kept := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		res, _ := fhir.EntryResource(entry)
		if !mustRedact(redact, res) {
			kept = append(kept, entry)
		}
	}
	return fhir.WithEntries(bundle, kept)
}

func mustRedact(obligations []Obligation, resource fhir.Resource) bool {
	labels := fhir.SecurityLabels(resource)
	resourceType := fhir.ResourceType(resource)
	for _, o := range obligations {
		if redactForLabels(o, labels) || redactForResourceType(o, resourceType) {
			return true
		}
	}
	return false
}

func redactForLabels(o Obligation, labels []fhir.Coding) bool {
	if o.IsExcept() {
		return len(fhir.CodesIntersection(o.ExceptAnyOfCodes(), labels)) == 0
	}
	return len(fhir.CodesIntersection(o.Codes(), labels)) > 0
}

func redactForResourceType(o Obligation, resourceType string) bool {
	if resourceType == "" {
		return false
	}
	for _, c := range o.Codes() {
		if c.System == fhir.ResourceTypeSystem && c.Code == resourceType {
			return true
		}
	}
	return false
}
