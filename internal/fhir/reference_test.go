package fhir

import "testing"

func TestParseReferenceKinds(t *testing.T) {
	cases := []struct {
		name  string
		value string
		path  string
		want  Ref
	}{
		{
			name:  "relative type id",
			value: "Patient/123",
			want:  Ref{Kind: RefTypeID, Type: "Patient", ID: "123"},
		},
		{
			name:  "absolute url",
			value: "https://fhir.example.com/R4/Observation/abc",
			want:  Ref{Kind: RefURL, Type: "Observation", ID: "abc"},
		},
		{
			name:  "absolute url with history",
			value: "https://fhir.example.com/R4/Patient/p1/_history/3",
			want:  Ref{Kind: RefURL, Type: "Patient", ID: "p1"},
		},
		{
			name:  "urn uuid with field context",
			value: "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301",
			path:  "subject",
			want:  Ref{Kind: RefUrnUUID, Type: "Patient", ID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		},
		{
			name:  "urn uuid uppercase prefix",
			value: "URN:UUID:3F2504E0-4F89-41D3-9A0C-0305E82C3301",
			path:  "encounter",
			want:  Ref{Kind: RefUrnUUID, Type: "Encounter", ID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		},
		{
			name:  "urn uuid without context",
			value: "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301",
			want:  Ref{Kind: RefUrnUUID, Type: "Resource", ID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		},
		{
			name:  "conditional",
			value: "Patient?identifier=http://ex|MRN-1",
			want:  Ref{Kind: RefConditional, Type: "Patient", Criteria: "identifier=http://ex|MRN-1"},
		},
		{
			name:  "contained",
			value: "#med1",
			want:  Ref{Kind: RefContained, Local: "med1"},
		},
		{
			name:  "empty",
			value: "",
			want:  Ref{Kind: RefInvalid},
		},
		{
			name:  "lowercase first segment",
			value: "patient/123",
			want:  Ref{Kind: RefInvalid},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseReferenceAt(tc.value, tc.path)
			if got.Kind != tc.want.Kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tc.want.Kind)
			}
			if got.Type != tc.want.Type || got.ID != tc.want.ID {
				t.Errorf("Type/ID = %q/%q, want %q/%q", got.Type, got.ID, tc.want.Type, tc.want.ID)
			}
			if got.Criteria != tc.want.Criteria {
				t.Errorf("Criteria = %q, want %q", got.Criteria, tc.want.Criteria)
			}
			if got.Local != tc.want.Local {
				t.Errorf("Local = %q, want %q", got.Local, tc.want.Local)
			}
		})
	}
}

func TestInferTargetType(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"subject", "Patient"},
		{"Observation.subject", "Patient"},
		{"requester", "Practitioner"},
		{"managingOrganization", "Organization"},
		{"basedOn", "ServiceRequest"},
		{"note", "Resource"},
		{"", "Resource"},
	}
	for _, tc := range cases {
		if got := InferTargetType(tc.path); got != tc.want {
			t.Errorf("InferTargetType(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestRepairUUID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"3f2504e0-4f89-41d3-9a0c-0305e82c3301", "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		{"3F2504E0-4F89-41D3-9A0C-0305E82C3301", "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		{"3f2504e04f8941d39a0c0305e82c3301", "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		{"not-a-uuid", "not-a-uuid"},
		{"  3f2504e0-4f89-41d3-9a0c-0305e82c3301 ", "3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
	}
	for _, tc := range cases {
		if got := RepairUUID(tc.in); got != tc.want {
			t.Errorf("RepairUUID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeRefValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Patient/1", "Patient/1"},
		{"  Patient/1  ", "Patient/1"},
		{"URN:UUID:3F2504E0-4F89-41D3-9A0C-0305E82C3301", "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		{"urn:uuid:urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301", "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		{"urn:uuid:3f2504e04f8941d39a0c0305e82c3301", "urn:uuid:3f2504e0-4f89-41d3-9a0c-0305e82c3301"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeRefValue(tc.in); got != tc.want {
			t.Errorf("NormalizeRefValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
