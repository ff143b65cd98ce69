package normalize

import (
	"strings"

	"github.com/fhird/fhird/internal/fhir"
)

// syntheaProfileURL is stamped into meta.profile of claimed resources so a
// re-normalization detects them again and stays idempotent.
const syntheaProfileURL = "http://synthetichealth.github.io/synthea"

// profileHandler pairs a source-profile detection predicate with the profile
// URL recorded on claimed resources.
type profileHandler struct {
	name    string
	profile string
	match   func(map[string]interface{}) bool
}

var (
	syntheaHandler = &profileHandler{name: "synthea", profile: syntheaProfileURL, match: isSynthea}
	usCoreHandler  = &profileHandler{name: "us-core", match: isUSCore}
)

// isSynthea recognizes Synthea exports by any of: a meta.profile mentioning
// synthea, an identifier system mentioning synthea, urn:uuid references
// anywhere in the tree, or the structural tells of Synthea Encounters and
// transaction Bundles.
func isSynthea(res map[string]interface{}) bool {
	for _, p := range fhir.MetaProfiles(res) {
		if strings.Contains(strings.ToLower(p), "synthea") {
			return true
		}
	}
	for _, item := range fhir.AsSlice(res["identifier"]) {
		ident, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if sys, _ := ident["system"].(string); strings.Contains(strings.ToLower(sys), "synthea") {
			return true
		}
	}
	if hasURNReference(res) {
		return true
	}
	switch fhir.ResourceType(res) {
	case "Encounter":
		return isSyntheaEncounter(res)
	case "Bundle":
		return isSyntheaBundle(res)
	}
	return false
}

// hasURNReference walks the tree until the first urn:uuid reference string.
func hasURNReference(node interface{}) bool {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := v["reference"].(string); ok {
			if len(ref) >= 9 && strings.EqualFold(ref[:9], "urn:uuid:") {
				return true
			}
		}
		for _, child := range v {
			if hasURNReference(child) {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if hasURNReference(item) {
				return true
			}
		}
	}
	return false
}

// isSyntheaEncounter matches the Synthea Encounter shape: class emitted as a
// bare Coding, or participants keyed by individual instead of actor.
func isSyntheaEncounter(res map[string]interface{}) bool {
	if class, ok := res["class"].(map[string]interface{}); ok {
		_, hasCoding := class["coding"]
		_, hasCode := class["code"]
		if hasCode && !hasCoding {
			return true
		}
	}
	for _, item := range fhir.AsSlice(res["participant"]) {
		p, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := p["individual"]; ok {
			return true
		}
	}
	return false
}

// isSyntheaBundle matches bundles whose entries are addressed by urn:uuid
// fullUrls, the way Synthea emits patient transactions.
func isSyntheaBundle(res map[string]interface{}) bool {
	entries, _ := res["entry"].([]interface{})
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if full, _ := entry["fullUrl"].(string); len(full) >= 9 && strings.EqualFold(full[:9], "urn:uuid:") {
			return true
		}
	}
	return false
}
