// Package fhir contains the wire-level FHIR R4 building blocks shared by the
// rest of the server: resource envelope helpers, OperationOutcome
// construction, Bundle assembly, search value parsing, the reference
// resolver, and the JSON tree walker.
//
// Resources themselves are handled as map[string]interface{} throughout the
// server; only the envelope structures that have a fixed shape (outcomes,
// bundles, capability statements) get typed representations here.
package fhir

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Coding represents a FHIR Coding element.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept represents a FHIR CodeableConcept element.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference represents a FHIR Reference element.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// Period represents a FHIR Period element.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// OperationOutcome is the FHIR resource used for error and status reporting.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single issue within an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// fhirIDPattern is the allowed shape of a FHIR logical id.
var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// IsValidID reports whether s is a legal FHIR logical id.
func IsValidID(s string) bool {
	return fhirIDPattern.MatchString(s)
}

// ResourceType returns the resourceType field of a raw resource, or "".
func ResourceType(res map[string]interface{}) string {
	rt, _ := res["resourceType"].(string)
	return rt
}

// ResourceID returns the id field of a raw resource, or "".
func ResourceID(res map[string]interface{}) string {
	id, _ := res["id"].(string)
	return id
}

// StampMeta writes id, meta.versionId and meta.lastUpdated into a raw
// resource, preserving any other meta content (profile, tags).
func StampMeta(res map[string]interface{}, id string, versionID int, lastUpdated time.Time) {
	res["id"] = id
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(versionID)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
	res["meta"] = meta
}

// MetaProfiles returns meta.profile entries of a raw resource.
func MetaProfiles(res map[string]interface{}) []string {
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		return nil
	}
	raw, _ := meta["profile"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AddMetaProfile inserts a profile URL into meta.profile if not already present.
func AddMetaProfile(res map[string]interface{}, url string) {
	if url == "" {
		return
	}
	meta, _ := res["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		res["meta"] = meta
	}
	profiles, _ := meta["profile"].([]interface{})
	for _, p := range profiles {
		if s, ok := p.(string); ok && s == url {
			return
		}
	}
	meta["profile"] = append(profiles, url)
}

// FormatReference builds a relative reference string "Type/id".
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// ETag formats a version id as a weak ETag, W/"N".
func ETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// ParseETag extracts the version number from an If-Match header value.
// Accepts W/"N", "N", and bare N forms. Returns 0 and false when the value
// does not contain a version number.
func ParseETag(value string) (int, bool) {
	s := value
	if len(s) >= 2 && s[0] == 'W' && s[1] == '/' {
		s = s[2:]
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
