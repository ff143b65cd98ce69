package store

import (
	"testing"
	"time"
)

func labOrder(id, status, authored string, codes ...string) map[string]interface{} {
	codings := make([]interface{}, 0, len(codes))
	for _, c := range codes {
		codings = append(codings, map[string]interface{}{"system": "http://loinc.org", "code": c})
	}
	return map[string]interface{}{
		"resourceType": "ServiceRequest",
		"id":           id,
		"status":       status,
		"intent":       "order",
		"category": []interface{}{
			map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "laboratory"}}},
		},
		"code":       map[string]interface{}{"coding": codings},
		"authoredOn": authored,
	}
}

func TestBestServiceRequest(t *testing.T) {
	effective := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		candidates []map[string]interface{}
		want       string
	}{
		{
			"closest authored wins",
			[]map[string]interface{}{
				labOrder("far", "active", "2024-03-10T12:00:00Z", "8867-4"),
				labOrder("near", "active", "2024-03-14T12:00:00Z", "8867-4"),
			},
			"near",
		},
		{
			"outside the window",
			[]map[string]interface{}{labOrder("old", "active", "2024-03-01T12:00:00Z", "8867-4")},
			"",
		},
		{
			"exactly at the window edge",
			[]map[string]interface{}{labOrder("edge", "active", "2024-03-08T12:00:00Z", "8867-4")},
			"edge",
		},
		{
			"authored after the observation",
			[]map[string]interface{}{labOrder("late", "active", "2024-03-16T12:00:00Z", "8867-4")},
			"",
		},
		{
			"inactive order skipped",
			[]map[string]interface{}{labOrder("done", "completed", "2024-03-14T12:00:00Z", "8867-4")},
			"",
		},
		{
			"no code overlap",
			[]map[string]interface{}{labOrder("other", "active", "2024-03-14T12:00:00Z", "2345-7")},
			"",
		},
		{
			"overlap on any code",
			[]map[string]interface{}{labOrder("panel", "active", "2024-03-14T12:00:00Z", "2345-7", "8867-4")},
			"panel",
		},
		{
			"missing authoredOn",
			[]map[string]interface{}{labOrder("undated", "active", "", "8867-4")},
			"",
		},
		{
			"no candidates",
			nil,
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bestServiceRequest(effective, []string{"8867-4"}, tt.candidates)
			if got != tt.want {
				t.Errorf("bestServiceRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBestServiceRequestSkipsNonLaboratory(t *testing.T) {
	effective := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sr := labOrder("img", "active", "2024-03-14T12:00:00Z", "8867-4")
	sr["category"] = []interface{}{
		map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "imaging"}}},
	}
	if got := bestServiceRequest(effective, []string{"8867-4"}, []map[string]interface{}{sr}); got != "" {
		t.Errorf("bestServiceRequest() = %q, want no match for imaging order", got)
	}
}

func TestIsLaboratory(t *testing.T) {
	tests := []struct {
		name string
		sr   map[string]interface{}
		want bool
	}{
		{
			"coding code",
			map[string]interface{}{"category": []interface{}{
				map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "laboratory"}}},
			}},
			true,
		},
		{
			"text",
			map[string]interface{}{"category": []interface{}{
				map[string]interface{}{"text": "Laboratory"},
			}},
			true,
		},
		{
			"display",
			map[string]interface{}{"category": []interface{}{
				map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "108252007", "display": "Laboratory"}}},
			}},
			true,
		},
		{
			"imaging",
			map[string]interface{}{"category": []interface{}{
				map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "363679005", "display": "Imaging"}}},
			}},
			false,
		},
		{"no category", map[string]interface{}{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLaboratory(tt.sr); got != tt.want {
				t.Errorf("isLaboratory() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasBasedOn(t *testing.T) {
	tests := []struct {
		name string
		obs  map[string]interface{}
		want bool
	}{
		{"absent", map[string]interface{}{}, false},
		{"empty array", map[string]interface{}{"basedOn": []interface{}{}}, false},
		{"populated", map[string]interface{}{"basedOn": []interface{}{map[string]interface{}{"reference": "ServiceRequest/1"}}}, true},
		{"non-array value", map[string]interface{}{"basedOn": map[string]interface{}{"reference": "ServiceRequest/1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasBasedOn(tt.obs); got != tt.want {
				t.Errorf("hasBasedOn() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPatientRef(t *testing.T) {
	tests := []struct {
		name string
		obs  map[string]interface{}
		want string
	}{
		{
			"typed reference",
			map[string]interface{}{"subject": map[string]interface{}{"reference": "Patient/p1"}},
			"p1",
		},
		{
			"urn reference resolves through the field",
			map[string]interface{}{"subject": map[string]interface{}{"reference": "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301"}},
			"3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		},
		{
			"wrong target type",
			map[string]interface{}{"subject": map[string]interface{}{"reference": "Group/g1"}},
			"",
		},
		{
			"display only",
			map[string]interface{}{"subject": map[string]interface{}{"display": "Someone"}},
			"",
		},
		{"no subject", map[string]interface{}{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := patientRef(tt.obs); got != tt.want {
				t.Errorf("patientRef() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObservationEffective(t *testing.T) {
	tests := []struct {
		name   string
		obs    map[string]interface{}
		want   time.Time
		wantOK bool
	}{
		{
			"effectiveDateTime",
			map[string]interface{}{"effectiveDateTime": "2024-03-12T08:00:00Z"},
			time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC),
			true,
		},
		{
			"date only",
			map[string]interface{}{"effectiveDateTime": "2024-03-12"},
			time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
			true,
		},
		{
			"period start",
			map[string]interface{}{"effectivePeriod": map[string]interface{}{"start": "2024-03-12T08:00:00Z"}},
			time.Date(2024, 3, 12, 8, 0, 0, 0, time.UTC),
			true,
		},
		{
			"instant",
			map[string]interface{}{"effectiveInstant": "2024-03-12T08:00:00.123Z"},
			time.Date(2024, 3, 12, 8, 0, 0, 123000000, time.UTC),
			true,
		},
		{"absent", map[string]interface{}{}, time.Time{}, false},
		{"unparseable", map[string]interface{}{"effectiveDateTime": "soon"}, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := observationEffective(tt.obs)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("effective = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoincCodes(t *testing.T) {
	cc := map[string]interface{}{
		"coding": []interface{}{
			map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"},
			map[string]interface{}{"system": "http://snomed.info/sct", "code": "364075005"},
			map[string]interface{}{"system": "http://loinc.org", "code": "2345-7"},
			map[string]interface{}{"system": "http://loinc.org"},
		},
	}
	got := loincCodes(cc)
	want := []string{"8867-4", "2345-7"}
	if len(got) != len(want) {
		t.Fatalf("loincCodes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("loincCodes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if codes := loincCodes(nil); codes != nil {
		t.Errorf("loincCodes(nil) = %v, want none", codes)
	}
}
