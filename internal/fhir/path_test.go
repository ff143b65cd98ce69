package fhir

import (
	"encoding/json"
	"sort"
	"testing"
)

func sampleObservation() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
			},
			"text": "Heart rate",
		},
		"subject": map[string]interface{}{"reference": "Patient/p1"},
		"valueQuantity": map[string]interface{}{
			"value": 72.0,
			"unit":  "beats/minute",
		},
	}
}

func TestGetPath(t *testing.T) {
	res := sampleObservation()

	if v, ok := GetString(res, "status"); !ok || v != "final" {
		t.Errorf("status = %q, %v", v, ok)
	}
	if v, ok := GetString(res, "subject.reference"); !ok || v != "Patient/p1" {
		t.Errorf("subject.reference = %q, %v", v, ok)
	}
	if v, ok := GetString(res, "code.text"); !ok || v != "Heart rate" {
		t.Errorf("code.text = %q, %v", v, ok)
	}
	if _, ok := GetPath(res, "code.missing"); ok {
		t.Error("missing key should not resolve")
	}
	// Paths do not descend into arrays.
	if _, ok := GetPath(res, "code.coding.code"); ok {
		t.Error("paths through arrays should not resolve")
	}
	if m, ok := GetMap(res, "valueQuantity"); !ok || m["unit"] != "beats/minute" {
		t.Errorf("valueQuantity = %v, %v", m, ok)
	}
	if s, ok := GetSlice(res, "code.coding"); !ok || len(s) != 1 {
		t.Errorf("code.coding = %v, %v", s, ok)
	}
	if n, ok := GetNumber(res, "valueQuantity.value"); !ok || n != 72 {
		t.Errorf("value = %v, %v", n, ok)
	}
}

func TestToFloat(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{72.5, 72.5, true},
		{float32(2), 2, true},
		{7, 7, true},
		{int64(9), 9, true},
		{json.Number("3.14"), 3.14, true},
		{"120", 120, true},
		{"high", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := ToFloat(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ToFloat(%v) = %v,%v, want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestVisitObjects(t *testing.T) {
	res := map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Smith"},
			map[string]interface{}{"family": "Jones"},
		},
		"contact": map[string]interface{}{
			"organization": map[string]interface{}{"reference": "Organization/o1"},
		},
	}

	var paths []string
	VisitObjects(res, func(path string, obj map[string]interface{}) {
		paths = append(paths, path)
	})
	sort.Strings(paths)

	// Array elements share the parent path, so "name" appears twice.
	want := []string{"", "contact", "contact.organization", "name", "name"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
}

func TestVisitObjectsMutation(t *testing.T) {
	res := sampleObservation()
	VisitObjects(res, func(path string, obj map[string]interface{}) {
		delete(obj, "system")
	})
	coding, _ := GetSlice(res, "code.coding")
	first := coding[0].(map[string]interface{})
	if _, ok := first["system"]; ok {
		t.Error("callback mutation did not stick")
	}
	if first["code"] != "8867-4" {
		t.Error("unrelated keys must survive")
	}
}

func TestAsSliceAndEachObject(t *testing.T) {
	if got := AsSlice(nil); got != nil {
		t.Errorf("AsSlice(nil) = %v", got)
	}
	if got := AsSlice([]interface{}{1, 2}); len(got) != 2 {
		t.Errorf("AsSlice(array) = %v", got)
	}
	if got := AsSlice(map[string]interface{}{"a": 1}); len(got) != 1 {
		t.Errorf("AsSlice(object) = %v", got)
	}

	// identifier as a single object rather than an array
	res := map[string]interface{}{
		"identifier": map[string]interface{}{"value": "MRN-1"},
	}
	var seen int
	EachObject(res, "identifier", func(obj map[string]interface{}) {
		seen++
		if obj["value"] != "MRN-1" {
			t.Errorf("obj = %v", obj)
		}
	})
	if seen != 1 {
		t.Errorf("seen = %d", seen)
	}
}

func TestFindChoice(t *testing.T) {
	res := sampleObservation()

	c, ok := FindChoice(res, "value")
	if !ok || c.Kind != "Quantity" {
		t.Fatalf("choice = %+v, %v", c, ok)
	}
	if m := c.Value.(map[string]interface{}); m["unit"] != "beats/minute" {
		t.Errorf("value = %v", m)
	}

	// An exact-name field matches with an empty kind.
	c, ok = FindChoice(map[string]interface{}{"value": 5.0}, "value")
	if !ok || c.Kind != "" || c.Value != 5.0 {
		t.Errorf("exact match = %+v, %v", c, ok)
	}

	// Lowercase continuation is a different field, not a choice variant.
	if _, ok := FindChoice(map[string]interface{}{"valueset": "x"}, "value"); ok {
		t.Error("valueset must not match base value")
	}

	if _, ok := FindChoice(res, "effective"); ok {
		t.Error("absent choice should not match")
	}
}

func TestRenameChoice(t *testing.T) {
	res := map[string]interface{}{"performedDateTime": "2024-02-20"}
	if !RenameChoice(res, "performed", "occurrence") {
		t.Fatal("rename reported no match")
	}
	if _, ok := res["performedDateTime"]; ok {
		t.Error("old key survived the rename")
	}
	if res["occurrenceDateTime"] != "2024-02-20" {
		t.Errorf("res = %v", res)
	}

	if RenameChoice(res, "value", "other") {
		t.Error("rename of an absent field must report false")
	}
}

func TestDeepCopy(t *testing.T) {
	res := sampleObservation()
	clone := DeepCopy(res)

	clone["status"] = "amended"
	sub := clone["subject"].(map[string]interface{})
	sub["reference"] = "Patient/other"

	if res["status"] != "final" {
		t.Error("copy shares top-level state with the original")
	}
	if ref, _ := GetString(res, "subject.reference"); ref != "Patient/p1" {
		t.Error("copy shares nested state with the original")
	}
}
