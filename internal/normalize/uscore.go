package normalize

import (
	"strings"

	"github.com/fhird/fhird/internal/fhir"
)

const usCoreProfilePrefix = "http://hl7.org/fhir/us/core/"

// isUSCore recognizes resources declaring a US Core profile, either on the
// resource itself or, for bundles, on any entry resource.
func isUSCore(res map[string]interface{}) bool {
	for _, p := range fhir.MetaProfiles(res) {
		if strings.HasPrefix(p, usCoreProfilePrefix) {
			return true
		}
	}
	if fhir.ResourceType(res) != "Bundle" {
		return false
	}
	entries, _ := res["entry"].([]interface{})
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		child, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		for _, p := range fhir.MetaProfiles(child) {
			if strings.HasPrefix(p, usCoreProfilePrefix) {
				return true
			}
		}
	}
	return false
}
