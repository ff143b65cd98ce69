package fhir

import (
	"strings"
	"testing"
)

func TestOutcomeConstructors(t *testing.T) {
	cases := []struct {
		name         string
		outcome      *OperationOutcome
		wantSeverity string
		wantCode     string
		wantDiag     string
	}{
		{"error", ErrorOutcome("boom"), SeverityError, IssueProcessing, "boom"},
		{"invalid", InvalidOutcome("bad json"), SeverityError, IssueInvalid, "bad json"},
		{"not found", NotFoundOutcome("Patient", "p1"), SeverityError, IssueNotFound, "Patient/p1 not found"},
		{"gone", GoneOutcome("Patient", "p1"), SeverityError, IssueDeleted, "Patient/p1 has been deleted"},
		{"conflict", ConflictOutcome("version mismatch"), SeverityError, IssueConflict, "version mismatch"},
		{"duplicate", DuplicateOutcome("Patient", "p1"), SeverityInformation, IssueDuplicate, "resource already exists: Patient/p1"},
		{"not supported", NotSupportedOutcome("no such type"), SeverityError, IssueNotSupported, "no such type"},
		{"internal", InternalErrorOutcome("oops"), SeverityFatal, IssueException, "oops"},
		{"transient", TransientOutcome("db down"), SeverityError, IssueTransient, "db down"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.outcome.ResourceType != "OperationOutcome" {
				t.Errorf("resourceType = %s", tc.outcome.ResourceType)
			}
			if len(tc.outcome.Issue) != 1 {
				t.Fatalf("issues = %d", len(tc.outcome.Issue))
			}
			issue := tc.outcome.Issue[0]
			if issue.Severity != tc.wantSeverity || issue.Code != tc.wantCode {
				t.Errorf("got %s/%s, want %s/%s", issue.Severity, issue.Code, tc.wantSeverity, tc.wantCode)
			}
			if issue.Diagnostics != tc.wantDiag {
				t.Errorf("diagnostics = %q, want %q", issue.Diagnostics, tc.wantDiag)
			}
		})
	}
}

func TestValidationOutcome(t *testing.T) {
	o := ValidationOutcome("Patient.birthDate", "invalid date")
	issue := o.Issue[0]
	if !strings.Contains(issue.Diagnostics, "Patient.birthDate") || !strings.Contains(issue.Diagnostics, "invalid date") {
		t.Errorf("diagnostics = %q", issue.Diagnostics)
	}
	if len(issue.Expression) != 1 || issue.Expression[0] != "Patient.birthDate" {
		t.Errorf("expression = %v", issue.Expression)
	}
}

func TestHasErrors(t *testing.T) {
	info := DuplicateOutcome("Patient", "p1")
	if info.HasErrors() {
		t.Error("informational outcome must not count as an error")
	}

	info.AddIssue(SeverityWarning, IssueValue, "odd but tolerated")
	if info.HasErrors() {
		t.Error("warnings must not count as errors")
	}

	info.AddIssue(SeverityError, IssueInvalid, "now it is broken")
	if !info.HasErrors() {
		t.Error("error issue not detected")
	}
	if len(info.Issue) != 3 {
		t.Errorf("issues = %d", len(info.Issue))
	}

	if !InternalErrorOutcome("oops").HasErrors() {
		t.Error("fatal issue not detected")
	}
}
