package labeling

import (
	"github.com/ehr/consent-engine/internal/platform/fhir"
)

// Observer receives labeling metrics.
type Observer interface {
	ObserveLabels(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveLabels(int) {}

type compiledCodeSet struct {
	groupID string
	codes   map[string]bool
}

type compiledSensitivityRule struct {
	rule     SensitivityRule
	codeSets []compiledCodeSet
}

type compiledConfidentialityRule struct {
	rule  ConfidentialityRule
	codes map[string]bool
}

// Labeler attaches sensitivity and confidentiality labels to resources. It
// holds no mutable state and is safe for concurrent use.
type Labeler struct {
	sensitivity     []compiledSensitivityRule
	confidentiality []compiledConfidentialityRule
	observer        Observer
}

// NewLabeler compiles the rule tables. observer may be nil.
func NewLabeler(rules Rules, observer Observer) *Labeler {
	if observer == nil {
		observer = nopObserver{}
	}
	l := &Labeler{observer: observer}
	for _, r := range rules.Sensitivity {
		cr := compiledSensitivityRule{rule: r}
		for _, set := range r.CodeSets {
			cs := compiledCodeSet{groupID: set.GroupID, codes: make(map[string]bool, len(set.Codes))}
			for _, c := range set.Codes {
				cs.codes[canonicalCode(c)] = true
			}
			cr.codeSets = append(cr.codeSets, cs)
		}
		l.sensitivity = append(l.sensitivity, cr)
	}
	for _, r := range rules.Confidentiality {
		cr := compiledConfidentialityRule{rule: r, codes: make(map[string]bool, len(r.Codes))}
		for _, c := range r.Codes {
			cr.codes[canonicalCode(c)] = true
		}
		l.confidentiality = append(l.confidentiality, cr)
	}
	return l
}

// LabelResource returns a copy of resource with sensitivity labels derived
// from its clinical codes, then confidentiality labels derived from the
// resulting security labels. New labels precede existing ones and duplicates
// by system and code are dropped.
func (l *Labeler) LabelResource(resource fhir.Resource) fhir.Resource {
	if resource == nil {
		return nil
	}
	existing := fhir.RawSecurityLabels(resource)

	clinical := shortHands(collectCodings(resource, nil))
	labels := mergeLabels(l.sensitivityLabels(clinical), existing)

	current := shortHands(fhir.CodingsFrom(labels))
	labels = mergeLabels(l.confidentialityLabels(current), labels)

	if added := len(labels) - len(dedupLabels(existing)); added > 0 {
		l.observer.ObserveLabels(added)
	}
	return fhir.WithSecurityLabels(resource, labels)
}

// LabelBundle labels every entry resource of a bundle, keeping entry order
// and all other bundle and entry elements.
func (l *Labeler) LabelBundle(bundle fhir.Resource) fhir.Resource {
	entries := fhir.BundleEntries(bundle)
	labeled := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		labeled = append(labeled, l.labelEntry(entry))
	}
	out := make(fhir.Resource, len(bundle))
	for k, v := range bundle {
		out[k] = v
	}
	if _, ok := bundle["entry"]; !ok {
		return out
	}
	list := make([]interface{}, len(labeled))
	for i, e := range labeled {
		list[i] = e
	}
	out["entry"] = list
	return out
}

// LabelBundleDiff labels a bundle and returns only the resources whose
// security labels changed.
func (l *Labeler) LabelBundleDiff(bundle fhir.Resource) []fhir.Resource {
	var changed []fhir.Resource
	for _, entry := range fhir.BundleEntries(bundle) {
		res, ok := fhir.EntryResource(entry)
		if !ok {
			continue
		}
		labeled := l.LabelResource(res)
		if !sameLabels(fhir.SecurityLabels(res), fhir.SecurityLabels(labeled)) {
			changed = append(changed, labeled)
		}
	}
	return changed
}

// Label labels a bundle entry by entry, or a single resource.
func (l *Labeler) Label(resource fhir.Resource) fhir.Resource {
	if fhir.IsBundle(resource) {
		return l.LabelBundle(resource)
	}
	return l.LabelResource(resource)
}

func (l *Labeler) labelEntry(entry map[string]interface{}) map[string]interface{} {
	res, ok := fhir.EntryResource(entry)
	if !ok {
		return entry
	}
	out := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		out[k] = v
	}
	out["resource"] = l.LabelResource(res)
	return out
}

func (l *Labeler) sensitivityLabels(clinical map[string]bool) []interface{} {
	var out []interface{}
	for _, r := range l.sensitivity {
		for _, set := range r.codeSets {
			if !intersects(set.codes, clinical) {
				continue
			}
			out = append(out, annotate(r.rule.Labels, r.rule.Basis, r.rule.ID, set.groupID)...)
			break
		}
	}
	return out
}

func (l *Labeler) confidentialityLabels(current map[string]bool) []interface{} {
	var out []interface{}
	for _, r := range l.confidentiality {
		if intersects(r.codes, current) {
			out = append(out, annotate(r.rule.Labels, r.rule.Basis, r.rule.ID, "")...)
		}
	}
	return out
}

// annotate renders labels with the extensions recording why they were applied.
func annotate(labels []fhir.Coding, basis *fhir.Coding, ruleID, groupID string) []interface{} {
	var ext []interface{}
	if basis != nil {
		ext = append(ext, map[string]interface{}{
			"url":         fhir.SecLabelBasisExtension,
			"valueCoding": fhir.CodingMap(*basis),
		})
	}
	if ruleID != "" {
		provenance := ruleID
		if groupID != "" {
			provenance += "/" + groupID
		}
		ext = append(ext, map[string]interface{}{
			"url":         fhir.SecLabelRuleExtension,
			"valueString": provenance,
		})
	}

	out := make([]interface{}, 0, len(labels))
	for _, label := range labels {
		m := fhir.CodingMap(label)
		if len(ext) > 0 {
			m["extension"] = ext
		}
		out = append(out, m)
	}
	return out
}

// collectCodings gathers every coding found under a "coding" key anywhere in v.
func collectCodings(v interface{}, acc []fhir.Coding) []fhir.Coding {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if k == "coding" {
				acc = append(acc, fhir.CodingsFrom(child)...)
				continue
			}
			acc = collectCodings(child, acc)
		}
	case []interface{}:
		for _, child := range t {
			acc = collectCodings(child, acc)
		}
	}
	return acc
}

func mergeLabels(added, existing []interface{}) []interface{} {
	all := make([]interface{}, 0, len(added)+len(existing))
	all = append(all, added...)
	all = append(all, existing...)
	return dedupLabels(all)
}

// dedupLabels keeps the first label for each system and code.
func dedupLabels(labels []interface{}) []interface{} {
	out := make([]interface{}, 0, len(labels))
	seen := make(map[[2]string]bool, len(labels))
	for _, item := range labels {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		code, _ := m["code"].(string)
		key := [2]string{system, code}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func shortHands(codes []fhir.Coding) map[string]bool {
	out := make(map[string]bool, len(codes))
	for _, c := range codes {
		out[c.ShortHand()] = true
	}
	return out
}

func intersects(a, b map[string]bool) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func sameLabels(a, b []fhir.Coding) bool {
	as, bs := shortHands(a), shortHands(b)
	if len(as) != len(bs) {
		return false
	}
	for k := range as {
		if !bs[k] {
			return false
		}
	}
	return true
}
