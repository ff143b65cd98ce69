package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4.
const (
	SeverityFatal       = "fatal"
	SeverityError       = "error"
	SeverityWarning     = "warning"
	SeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueInvalid      = "invalid"
	IssueStructure    = "structure"
	IssueRequired     = "required"
	IssueValue        = "value"
	IssueNotFound     = "not-found"
	IssueConflict     = "conflict"
	IssueProcessing   = "processing"
	IssueNotSupported = "not-supported"
	IssueException    = "exception"
	IssueTransient    = "transient"
	IssueDuplicate    = "duplicate"
	IssueDeleted      = "deleted"
	IssueSecurity     = "security"
	IssueTimeout      = "timeout"
	IssueTooCostly    = "too-costly"
)

// NewOutcome creates an OperationOutcome with a single issue.
func NewOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome creates a generic processing-error outcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueProcessing, diagnostics)
}

// InvalidOutcome creates an outcome for a malformed request.
func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueInvalid, diagnostics)
}

// NotFoundOutcome creates an outcome for an unknown resource.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueNotFound,
		fmt.Sprintf("%s/%s not found", resourceType, id))
}

// GoneOutcome creates an outcome for a deleted resource.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id))
}

// ConflictOutcome creates an outcome for a version or conditional conflict.
func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueConflict, diagnostics)
}

// DuplicateOutcome creates the informational outcome returned when a
// conditional create matches an existing resource.
func DuplicateOutcome(resourceType, id string) *OperationOutcome {
	return NewOutcome(SeverityInformation, IssueDuplicate,
		fmt.Sprintf("resource already exists: %s/%s", resourceType, id))
}

// ValidationOutcome creates an outcome for a validation failure, pointing
// expression[] at the failing field path.
func ValidationOutcome(path, message string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    SeverityError,
				Code:        IssueInvalid,
				Diagnostics: fmt.Sprintf("%s: %s", path, message),
				Expression:  []string{path},
			},
		},
	}
}

// NotSupportedOutcome creates an outcome for an unsupported operation.
func NotSupportedOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueNotSupported, diagnostics)
}

// InternalErrorOutcome creates an outcome for an unexpected server error.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityFatal, IssueException, diagnostics)
}

// TransientOutcome creates an outcome for a retryable storage failure.
func TransientOutcome(diagnostics string) *OperationOutcome {
	return NewOutcome(SeverityError, IssueTransient, diagnostics)
}

// HasErrors reports whether the outcome contains error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == SeverityError || issue.Severity == SeverityFatal {
			return true
		}
	}
	return false
}

// AddIssue appends an issue to the outcome.
func (o *OperationOutcome) AddIssue(severity, code, diagnostics string) {
	o.Issue = append(o.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
}
