package fhir

// IdentifierEquals reports whether two identifiers share system and value.
func IdentifierEquals(a, b Identifier) bool {
	return a.System == b.System && a.Value == b.Value
}

// IdentifiersIntersection returns the members of a that also appear in b,
// preserving the order of a.
func IdentifiersIntersection(a, b []Identifier) []Identifier {
	var out []Identifier
	for _, x := range a {
		for _, y := range b {
			if IdentifierEquals(x, y) {
				out = append(out, x)
				break
			}
		}
	}
	return out
}

// IdentifiersFrom decodes the identifier array of a generic resource.
func IdentifiersFrom(v interface{}) []Identifier {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []Identifier
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, Identifier{
			Use:    stringField(m, "use"),
			System: stringField(m, "system"),
			Value:  stringField(m, "value"),
		})
	}
	return out
}

// SearchToken renders the identifier as a FHIR token search value.
func (i Identifier) SearchToken() string {
	if i.System == "" {
		return i.Value
	}
	return i.System + "|" + i.Value
}
