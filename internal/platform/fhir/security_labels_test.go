package fhir

import "testing"

func TestSecurityLabels(t *testing.T) {
	res := Resource{
		"resourceType": "Condition",
		"meta": map[string]interface{}{
			"security": []interface{}{
				map[string]interface{}{"system": ConfidentialitySystem, "code": "R"},
				map[string]interface{}{"system": ActCodeSystem, "code": "SUD"},
			},
		},
	}
	labels := SecurityLabels(res)
	if len(labels) != 2 || labels[1].Code != "SUD" {
		t.Errorf("unexpected labels %+v", labels)
	}
	if SecurityLabels(Resource{"resourceType": "Patient"}) != nil {
		t.Error("expected no labels without meta")
	}
}

func TestWithSecurityLabels_DoesNotMutate(t *testing.T) {
	meta := map[string]interface{}{"versionId": "3"}
	res := Resource{"resourceType": "Observation", "meta": meta}

	out := WithSecurityLabels(res, []interface{}{CodingMap(Coding{System: ConfidentialitySystem, Code: "R"})})

	if _, ok := meta["security"]; ok {
		t.Error("input meta was modified")
	}
	outMeta := out["meta"].(map[string]interface{})
	if outMeta["versionId"] != "3" {
		t.Error("expected other meta elements to be kept")
	}
	if len(SecurityLabels(out)) != 1 {
		t.Error("expected one label on the copy")
	}
}

func TestWithEntries_UpdatesTotal(t *testing.T) {
	bundle := Resource{
		"resourceType": "Bundle",
		"total":        float64(2),
		"entry": []interface{}{
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Patient"}},
			map[string]interface{}{"resource": map[string]interface{}{"resourceType": "Condition"}},
		},
	}
	entries := BundleEntries(bundle)
	out := WithEntries(bundle, entries[:1])
	if out["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", out["total"])
	}
	if len(bundle["entry"].([]interface{})) != 2 {
		t.Error("input bundle was modified")
	}

	noTotal := Resource{"resourceType": "Bundle", "entry": []interface{}{}}
	if _, ok := WithEntries(noTotal, nil)["total"]; ok {
		t.Error("total should not be added when absent")
	}
}
