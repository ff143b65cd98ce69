package fhir

import (
	"github.com/buger/jsonparser"
)

// RawIdentity extracts resourceType and id from a raw resource blob without
// a full unmarshal. Missing fields come back empty. Bundle assembly calls
// this once per entry, so stored blobs never round-trip through a map just
// to label their fullUrl.
func RawIdentity(raw []byte) (resourceType, id string) {
	resourceType, _ = jsonparser.GetString(raw, "resourceType")
	id, _ = jsonparser.GetString(raw, "id")
	return resourceType, id
}
