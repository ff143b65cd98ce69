package normalize

import (
	"strings"

	"github.com/fhird/fhird/internal/fhir"
)

// commonCleanup applies the profile-independent post-steps every stored
// resource receives: top-level field cleaning for types with a declared
// shape, list coercion per the arrayFields table, primitive-extension
// removal, and reference string repair with Reference-object cleaning.
func commonCleanup(res map[string]interface{}) {
	cleanResource(res)
	ensureArrays(res)
	fhir.VisitObjects(res, func(path string, obj map[string]interface{}) {
		for k := range obj {
			if strings.HasPrefix(k, "_") {
				delete(obj, k)
			}
		}
		if ref, ok := obj["reference"].(string); ok {
			obj["reference"] = fhir.NormalizeRefValue(ref)
			cleanReference(obj)
		}
	})
}

// ---------------------------------------------------------------------------
// List shape
// ---------------------------------------------------------------------------

// globalArrayFields are list-valued on every resource type.
var globalArrayFields = []string{"contained", "extension", "modifierExtension"}

// arrayFields is the authority on which canonical fields are list-valued,
// per resource type. Per-type rules transform element shapes; plurality is
// decided here only.
var arrayFields = map[string][]string{
	"Patient":                  {"identifier", "name", "telecom", "address", "communication", "generalPractitioner", "link"},
	"Practitioner":             {"identifier", "name", "telecom", "address", "qualification", "communication"},
	"Organization":             {"identifier", "type", "telecom", "address", "contact", "alias"},
	"Location":                 {"identifier", "type", "telecom", "alias"},
	"Encounter":                {"identifier", "class", "type", "participant", "reason", "diagnosis", "location", "account", "episodeOfCare", "appointment"},
	"Observation":              {"identifier", "category", "interpretation", "component", "referenceRange", "performer", "basedOn", "partOf", "note", "hasMember", "derivedFrom", "focus"},
	"Condition":                {"identifier", "category", "bodySite", "evidence", "note", "stage"},
	"Procedure":                {"identifier", "reason", "performer", "bodySite", "note", "basedOn", "partOf", "report", "complication"},
	"MedicationRequest":        {"identifier", "category", "reason", "dosageInstruction", "note", "basedOn", "insurance", "supportingInformation"},
	"MedicationAdministration": {"identifier", "performer", "reason", "note", "device", "supportingInformation", "eventHistory"},
	"Medication":               {"identifier", "ingredient"},
	"AllergyIntolerance":       {"identifier", "category", "reaction", "note"},
	"Immunization":             {"identifier", "performer", "note", "reaction", "protocolApplied"},
	"DiagnosticReport":         {"identifier", "category", "performer", "result", "basedOn", "specimen", "media", "presentedForm"},
	"ServiceRequest":           {"identifier", "category", "reason", "note", "basedOn", "replaces", "performer", "locationReference", "insurance", "supportingInfo", "specimen", "bodySite"},
	"CarePlan":                 {"identifier", "category", "activity", "addresses", "goal", "basedOn", "replaces", "partOf", "careTeam", "contributor", "supportingInfo", "note"},
	"CareTeam":                 {"identifier", "category", "participant", "reason", "telecom", "note"},
	"Device":                   {"identifier", "type", "udiCarrier", "deviceName", "property", "contact", "safety", "note"},
	"DocumentReference":        {"identifier", "category", "author", "content", "relatesTo", "securityLabel"},
	"Claim":                    {"identifier", "related", "careTeam", "supportingInfo", "diagnosis", "procedure", "insurance", "item"},
	"ExplanationOfBenefit":     {"identifier", "related", "preAuthRef", "careTeam", "supportingInfo", "diagnosis", "procedure", "insurance", "item", "addItem", "adjudication", "processNote", "benefitBalance"},
	"Goal":                     {"identifier", "category", "target", "addresses", "note", "outcomeCode", "outcomeReference"},
	"ImagingStudy":             {"identifier", "modality", "series", "endpoint", "interpreter", "reason", "note", "procedure"},
	"Provenance":               {"target", "agent", "reason", "policy", "signature"},
	"RelatedPerson":            {"identifier", "name", "telecom", "address", "relationship", "communication", "photo"},
	"Specimen":                 {"identifier", "parent", "request", "processing", "container", "condition", "note"},
	"SupplyDelivery":           {"identifier", "basedOn", "partOf"},
}

// ensureArrays wraps single values into lists for every field the canonical
// model declares list-valued.
func ensureArrays(res map[string]interface{}) {
	for _, f := range globalArrayFields {
		if v, ok := res[f]; ok {
			res[f] = fhir.AsSlice(v)
		}
	}
	if meta, ok := res["meta"].(map[string]interface{}); ok {
		if v, ok := meta["profile"]; ok {
			meta["profile"] = fhir.AsSlice(v)
		}
	}
	for _, f := range arrayFields[fhir.ResourceType(res)] {
		if v, ok := res[f]; ok {
			res[f] = fhir.AsSlice(v)
		}
	}
}

// ---------------------------------------------------------------------------
// Field cleaning
// ---------------------------------------------------------------------------

// baseResourceFields are allowed on every resource.
var baseResourceFields = []string{
	"resourceType", "id", "meta", "implicitRules", "language", "text",
	"contained", "extension", "modifierExtension", "identifier",
}

// resourceFields declares the canonical top-level shape for the types the
// normalizer owns; fields outside the declared set are dropped. Legacy
// spellings (period, performed, effective, context) stay listed so resources
// no handler claimed keep their data. Types not listed here are never
// field-cleaned. Choice bases admit their expansions: "value" admits
// valueQuantity, valueString and the rest.
var resourceFields = map[string][]string{
	"Encounter": {
		"status", "class", "type", "serviceType", "priority", "subject",
		"episodeOfCare", "basedOn", "participant", "appointment",
		"actualPeriod", "period", "length", "reason", "reasonCode",
		"diagnosis", "account", "hospitalization", "location",
		"serviceProvider", "partOf",
	},
	"Procedure": {
		"status", "statusReason", "category", "code", "subject", "encounter",
		"occurrence", "performed", "recorded", "recorder", "asserter",
		"performer", "location", "reason", "reasonCode", "reasonReference",
		"bodySite", "outcome", "report", "complication", "note",
		"focalDevice", "basedOn", "partOf",
	},
	"MedicationRequest": {
		"status", "statusReason", "intent", "category", "priority",
		"doNotPerform", "medication", "subject", "encounter",
		"supportingInformation", "authoredOn", "requester", "performer",
		"performerType", "recorder", "reason", "reasonCode",
		"reasonReference", "basedOn", "groupIdentifier",
		"courseOfTherapyType", "insurance", "note", "dosageInstruction",
		"dispenseRequest", "substitution", "priorPrescription",
		"eventHistory",
	},
	"MedicationAdministration": {
		"status", "statusReason", "category", "medication", "subject",
		"encounter", "context", "supportingInformation", "occurence",
		"occurrence", "effective", "recorded", "performer", "reason",
		"reasonCode", "reasonReference", "request", "device", "note",
		"dosage", "eventHistory",
	},
	"Observation": {
		"status", "category", "code", "subject", "focus", "encounter",
		"effective", "issued", "performer", "value", "dataAbsentReason",
		"interpretation", "note", "bodySite", "method", "specimen",
		"device", "referenceRange", "hasMember", "derivedFrom", "component",
		"basedOn", "partOf",
	},
	"Condition": {
		"clinicalStatus", "verificationStatus", "category", "severity",
		"code", "bodySite", "subject", "encounter", "onset", "abatement",
		"recordedDate", "recorder", "asserter", "stage", "evidence", "note",
	},
	"AllergyIntolerance": {
		"clinicalStatus", "verificationStatus", "type", "category",
		"criticality", "code", "patient", "encounter", "onset",
		"recordedDate", "recorder", "asserter", "lastOccurrence", "note",
		"reaction",
	},
	"DocumentReference": {
		"status", "docStatus", "type", "category", "subject", "context",
		"date", "author", "authenticator", "custodian", "relatesTo",
		"description", "securityLabel", "content", "period",
	},
	"Device": {
		"definition", "udiCarrier", "status", "statusReason",
		"distinctIdentifier", "manufacturer", "manufactureDate",
		"expirationDate", "lotNumber", "serialNumber", "deviceName",
		"modelNumber", "partNumber", "type", "version", "property",
		"patient", "owner", "contact", "location", "url", "note", "safety",
		"parent",
	},
	"CarePlan": {
		"status", "intent", "category", "title", "description", "subject",
		"encounter", "period", "created", "author", "custodian",
		"contributor", "careTeam", "addresses", "supportingInfo", "goal",
		"activity", "note", "basedOn", "replaces", "partOf",
	},
	"CareTeam": {
		"status", "category", "name", "subject", "encounter", "period",
		"participant", "reason", "reasonCode", "reasonReference",
		"managingOrganization", "telecom", "note",
	},
	"Organization": {
		"active", "type", "name", "alias", "description", "telecom",
		"address", "partOf", "contact", "endpoint",
	},
	"Location": {
		"status", "operationalStatus", "name", "alias", "description",
		"mode", "type", "telecom", "address", "physicalType", "position",
		"managingOrganization", "partOf", "hoursOfOperation",
		"availabilityExceptions", "endpoint",
	},
	"Practitioner": {
		"active", "name", "telecom", "address", "gender", "birthDate",
		"photo", "qualification", "communication",
	},
	"Claim": {
		"status", "type", "subType", "use", "patient", "billablePeriod",
		"created", "enterer", "insurer", "provider", "priority",
		"fundsReserve", "related", "prescription", "originalPrescription",
		"payee", "referral", "facility", "careTeam", "supportingInfo",
		"diagnosis", "procedure", "insurance", "accident", "item", "total",
	},
	"ExplanationOfBenefit": {
		"status", "type", "subType", "use", "patient", "billablePeriod",
		"created", "enterer", "insurer", "provider", "priority",
		"fundsReserve", "fundsReserveRequested", "related", "prescription",
		"originalPrescription", "payee", "referral", "facility", "claim",
		"claimResponse", "outcome", "disposition", "preAuthRef",
		"preAuthRefPeriod", "careTeam", "supportingInfo", "diagnosis",
		"procedure", "precedence", "insurance", "accident", "item",
		"addItem", "adjudication", "total", "payment", "formCode", "form",
		"processNote", "benefitPeriod", "benefitBalance",
	},
}

// cleanResource drops top-level fields outside the declared canonical shape
// for types that declare one.
func cleanResource(res map[string]interface{}) {
	declared, ok := resourceFields[fhir.ResourceType(res)]
	if !ok {
		return
	}
	allowed := make(map[string]bool, len(baseResourceFields)+len(declared))
	for _, k := range baseResourceFields {
		allowed[k] = true
	}
	for _, k := range declared {
		allowed[k] = true
	}
	for k := range res {
		if !allowedField(allowed, k) {
			delete(res, k)
		}
	}
}

// allowedField reports whether key is declared, either exactly or as a
// choice expansion of a declared base ("value" admits "valueQuantity").
func allowedField(allowed map[string]bool, key string) bool {
	if allowed[key] {
		return true
	}
	for i := 1; i < len(key); i++ {
		if key[i] >= 'A' && key[i] <= 'Z' && allowed[key[:i]] {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

// cleanReference reduces a Reference object to its allowed fields.
func cleanReference(ref map[string]interface{}) {
	whitelist(ref, "reference", "type", "identifier", "display")
}

// whitelist deletes every key of obj not in keep.
func whitelist(obj map[string]interface{}, keep ...string) {
	allowed := make(map[string]bool, len(keep))
	for _, k := range keep {
		allowed[k] = true
	}
	for k := range obj {
		if !allowed[k] {
			delete(obj, k)
		}
	}
}

// rename moves a field to a new key when present.
func rename(obj map[string]interface{}, from, to string) {
	if v, ok := obj[from]; ok {
		delete(obj, from)
		obj[to] = v
	}
}
