package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR Bundle as returned by a search.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NextLink returns the URL of the "next" page link, if any.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// DecodeResource decodes the entry resource into its generic form.
func (e BundleEntry) DecodeResource() (Resource, error) {
	if len(e.Resource) == 0 {
		return nil, fmt.Errorf("bundle entry %q has no resource", e.FullURL)
	}
	var r Resource
	if err := json.Unmarshal(e.Resource, &r); err != nil {
		return nil, fmt.Errorf("decode bundle entry %q: %w", e.FullURL, err)
	}
	return r, nil
}

// IsBundle reports whether the generic resource is a Bundle.
func IsBundle(resource Resource) bool {
	return ResourceType(resource) == "Bundle"
}

// BundleEntries returns the entry objects of a generic Bundle. Entries that
// are not objects are skipped.
func BundleEntries(bundle Resource) []map[string]interface{} {
	raw, _ := bundle["entry"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]interface{}); ok {
			out = append(out, entry)
		}
	}
	return out
}

// EntryResource returns the resource held by a generic bundle entry.
func EntryResource(entry map[string]interface{}) (Resource, bool) {
	r, ok := entry["resource"].(map[string]interface{})
	return r, ok
}

// WithEntries returns a shallow copy of bundle with its entries replaced.
// The total is updated when the input bundle carried one.
func WithEntries(bundle Resource, entries []map[string]interface{}) Resource {
	out := make(Resource, len(bundle))
	for k, v := range bundle {
		out[k] = v
	}
	list := make([]interface{}, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	out["entry"] = list
	if _, ok := bundle["total"]; ok {
		out["total"] = float64(len(entries))
	}
	return out
}

// FormatReference builds a relative reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
