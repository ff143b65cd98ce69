package fhir

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// RefKind classifies the syntactic form of a reference string.
type RefKind int

const (
	RefInvalid     RefKind = iota
	RefTypeID              // Patient/123
	RefUrnUUID             // urn:uuid:3f2504e0-...
	RefURL                 // https://host/base/Patient/123
	RefConditional         // Patient?identifier=...
	RefContained           // #local
)

// Ref is the parsed form of a reference string. Type and ID are populated
// for TypeID, UrnUUID (type inferred from field context) and URL kinds;
// Criteria for Conditional; Local for Contained.
type Ref struct {
	Kind     RefKind
	Type     string
	ID       string
	Criteria string
	Local    string
	Raw      string
}

// fieldTargetTypes infers the target resource type of a urn:uuid reference
// from the name of the field holding it. Field names not listed resolve to
// the base "Resource" type.
var fieldTargetTypes = map[string]string{
	"subject":              "Patient",
	"patient":              "Patient",
	"individual":           "Patient",
	"encounter":            "Encounter",
	"performer":            "Practitioner",
	"practitioner":         "Practitioner",
	"author":               "Practitioner",
	"requester":            "Practitioner",
	"recorder":             "Practitioner",
	"asserter":             "Practitioner",
	"prescriber":           "Practitioner",
	"actor":                "Practitioner",
	"organization":         "Organization",
	"managingOrganization": "Organization",
	"serviceProvider":      "Organization",
	"insurer":              "Organization",
	"payor":                "Organization",
	"partOf":               "Organization",
	"custodian":            "Organization",
	"medication":           "Medication",
	"location":             "Location",
	"basedOn":              "ServiceRequest",
	"reasonReference":      "Condition",
	"addresses":            "Condition",
	"claim":                "Claim",
	"provider":             "Practitioner",
	"beneficiary":          "Patient",
}

var urnUUIDPrefix = regexp.MustCompile(`(?i)^urn:uuid:`)

// ParseReference classifies a reference string without field context.
// urn:uuid references resolve with target type "Resource"; use
// ParseReferenceAt when the containing field name is known.
func ParseReference(value string) Ref {
	return ParseReferenceAt(value, "")
}

// ParseReferenceAt classifies a reference string found at the given field
// path. The last path segment drives urn:uuid target type inference.
func ParseReferenceAt(value, path string) Ref {
	value = strings.TrimSpace(value)
	if value == "" {
		return Ref{Kind: RefInvalid, Raw: value}
	}

	if strings.HasPrefix(value, "#") {
		return Ref{Kind: RefContained, Local: value[1:], Raw: value}
	}

	if urnUUIDPrefix.MatchString(value) {
		id := RepairUUID(urnUUIDPrefix.ReplaceAllString(value, ""))
		return Ref{
			Kind: RefUrnUUID,
			Type: InferTargetType(path),
			ID:   id,
			Raw:  value,
		}
	}

	if strings.Contains(value, "://") {
		return parseAbsoluteURL(value)
	}

	if qIdx := strings.Index(value, "?"); qIdx > 0 {
		rt := value[:qIdx]
		if IsKnownResourceType(rt) {
			return Ref{Kind: RefConditional, Type: rt, Criteria: value[qIdx+1:], Raw: value}
		}
	}

	if slash := strings.Index(value, "/"); slash > 0 {
		rt := value[:slash]
		id := value[slash+1:]
		if rt != "" && id != "" && rt[0] >= 'A' && rt[0] <= 'Z' {
			return Ref{Kind: RefTypeID, Type: rt, ID: id, Raw: value}
		}
	}

	return Ref{Kind: RefInvalid, Raw: value}
}

// parseAbsoluteURL extracts the trailing Type/id from an absolute reference
// URL, ignoring scheme, host, base path, and any _history suffix.
func parseAbsoluteURL(value string) Ref {
	trimmed := strings.TrimRight(value, "/")
	segs := strings.Split(trimmed, "/")

	// Drop a trailing /_history/{vid} pair.
	if len(segs) >= 2 && segs[len(segs)-2] == "_history" {
		segs = segs[:len(segs)-2]
	}

	if len(segs) >= 2 {
		rt := segs[len(segs)-2]
		id := segs[len(segs)-1]
		if rt != "" && id != "" && rt[0] >= 'A' && rt[0] <= 'Z' {
			return Ref{Kind: RefURL, Type: rt, ID: id, Raw: value}
		}
	}
	return Ref{Kind: RefInvalid, Raw: value}
}

// InferTargetType maps a reference-bearing field name to its target resource
// type. Dotted paths use the last segment.
func InferTargetType(path string) string {
	if path == "" {
		return "Resource"
	}
	field := path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		field = path[idx+1:]
	}
	if rt, ok := fieldTargetTypes[field]; ok {
		return rt
	}
	return "Resource"
}

// RepairUUID canonicalizes a uuid string: lowercases it and restores
// hyphenation on a bare 32-hex-digit form. Values that cannot be repaired
// are returned unchanged.
func RepairUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, err := uuid.Parse(s); err == nil {
		return s
	}
	if len(s) == 32 && isHex(s) {
		repaired := s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
		if _, err := uuid.Parse(repaired); err == nil {
			return repaired
		}
	}
	return s
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizeRefValue repairs common malformations of a reference string:
// stray whitespace, uppercase URN:UUID prefixes, duplicated urn:uuid
// prefixes, and missing uuid hyphenation.
func NormalizeRefValue(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return v
	}
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "urn:uuid:") {
		rest := v[len("urn:uuid:"):]
		for strings.HasPrefix(strings.ToLower(rest), "urn:uuid:") {
			rest = rest[len("urn:uuid:"):]
		}
		return "urn:uuid:" + RepairUUID(rest)
	}
	return v
}

// IsUUID reports whether s parses as a uuid.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
