// Package search implements the typed search pipeline: a declared parameter
// registry per resource type, index-row extraction from raw resources, query
// string parsing into typed predicates, and compilation of those predicates
// into SQL over the resources and search_params tables.
package search

import "sort"

// ParamType classifies a search parameter.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeDate      ParamType = "date"
	TypeNumber    ParamType = "number"
	TypeReference ParamType = "reference"
	TypeQuantity  ParamType = "quantity"
	TypeURI       ParamType = "uri"
	TypeComposite ParamType = "composite"
	TypeSpecial   ParamType = "special"
)

// ParamDef declares one search parameter: its wire name, type, the blob paths
// the extractor reads, and, for references, the default target type used by
// chains and includes.
type ParamDef struct {
	Name   string
	Type   ParamType
	Paths  []string
	Target string

	// Components names the underlying parameters of a composite.
	Components []string

	// SystemFilter restricts telecom-backed token parameters to contact
	// points with this system ("phone", "email").
	SystemFilter string
}

func token(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: TypeToken, Paths: paths}
}

func str(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: TypeString, Paths: paths}
}

func date(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: TypeDate, Paths: paths}
}

func qty(name string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: TypeQuantity, Paths: paths}
}

func ref(name, target string, paths ...string) ParamDef {
	return ParamDef{Name: name, Type: TypeReference, Paths: paths, Target: target}
}

func telecom(name, system string) ParamDef {
	return ParamDef{Name: name, Type: TypeToken, Paths: []string{"telecom"}, SystemFilter: system}
}

func composite(name string, components ...string) ParamDef {
	return ParamDef{Name: name, Type: TypeComposite, Components: components}
}

// commonParams apply to every resource type. They are extracted like any
// declared parameter but compile directly against the resources table.
var commonParams = []ParamDef{
	{Name: "_id", Type: TypeToken, Paths: []string{"id"}},
	{Name: "_lastUpdated", Type: TypeDate, Paths: []string{"meta.lastUpdated"}},
}

// searchParams is the declared parameter set per resource type. Paths list
// canonical field spellings first, with legacy spellings as fallbacks for
// resources stored outside the normalizing profiles.
var searchParams = map[string][]ParamDef{
	"Patient": {
		token("identifier", "identifier"),
		str("name", "name"),
		str("family", "name.family"),
		str("given", "name.given"),
		str("address", "address"),
		str("address-city", "address.city"),
		str("address-state", "address.state"),
		str("address-postalcode", "address.postalCode"),
		token("gender", "gender"),
		token("active", "active"),
		token("deceased", "deceasedBoolean"),
		token("language", "communication.language"),
		telecom("phone", "phone"),
		telecom("email", "email"),
		date("birthdate", "birthDate"),
		date("death-date", "deceasedDateTime"),
		ref("general-practitioner", "Practitioner", "generalPractitioner"),
		ref("organization", "Organization", "managingOrganization"),
	},
	"Practitioner": {
		token("identifier", "identifier"),
		str("name", "name"),
		str("family", "name.family"),
		str("given", "name.given"),
		token("gender", "gender"),
		token("active", "active"),
	},
	"Organization": {
		token("identifier", "identifier"),
		str("name", "name"),
		str("address", "address"),
		token("type", "type"),
		token("active", "active"),
		ref("partof", "Organization", "partOf"),
	},
	"Location": {
		token("identifier", "identifier"),
		str("name", "name"),
		str("address", "address"),
		str("address-city", "address.city"),
		token("status", "status"),
		token("type", "type"),
		ref("organization", "Organization", "managingOrganization"),
		ref("partof", "Location", "partOf"),
		{Name: "near", Type: TypeSpecial, Paths: []string{"position"}},
	},
	"Encounter": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("class", "class"),
		token("type", "type"),
		token("reason-code", "reason.use", "reasonCode"),
		date("date", "actualPeriod", "period"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("participant", "Practitioner", "participant.actor", "participant.individual"),
		ref("location", "Location", "location.location"),
		ref("service-provider", "Organization", "serviceProvider"),
		ref("part-of", "Encounter", "partOf"),
	},
	"Observation": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("category", "category"),
		token("code", "code"),
		token("component-code", "component.code"),
		token("value-concept", "valueCodeableConcept"),
		str("value-string", "valueString"),
		qty("value-quantity", "valueQuantity"),
		date("date", "effective"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("performer", "Practitioner", "performer"),
		ref("based-on", "ServiceRequest", "basedOn"),
		ref("has-member", "Observation", "hasMember"),
		ref("derived-from", "Observation", "derivedFrom"),
		composite("code-value-quantity", "code", "value-quantity"),
	},
	"Condition": {
		token("identifier", "identifier"),
		token("clinical-status", "clinicalStatus"),
		token("verification-status", "verificationStatus"),
		token("category", "category"),
		token("severity", "severity"),
		token("code", "code"),
		date("onset-date", "onset"),
		date("abatement-date", "abatement"),
		date("recorded-date", "recordedDate"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("asserter", "Practitioner", "asserter"),
	},
	"Procedure": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("code", "code"),
		token("reason-code", "reasonCode"),
		date("date", "occurrence", "performed"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("performer", "Practitioner", "performer.actor"),
		ref("based-on", "ServiceRequest", "basedOn"),
		ref("part-of", "Procedure", "partOf"),
		ref("location", "Location", "location"),
	},
	"MedicationRequest": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("intent", "intent"),
		token("category", "category"),
		token("code", "medicationCodeableConcept", "medication.concept"),
		date("authoredon", "authoredOn"),
		ref("medication", "Medication", "medicationReference", "medication.reference"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("requester", "Practitioner", "requester"),
	},
	"MedicationAdministration": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("code", "medication.concept", "medicationCodeableConcept"),
		date("effective-time", "occurence", "occurrence", "effective"),
		ref("medication", "Medication", "medication.reference", "medicationReference"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter", "context"),
		ref("performer", "Practitioner", "performer.actor"),
		ref("request", "MedicationRequest", "request"),
	},
	"Medication": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("code", "code"),
	},
	"AllergyIntolerance": {
		token("identifier", "identifier"),
		token("clinical-status", "clinicalStatus"),
		token("category", "category"),
		token("criticality", "criticality"),
		token("type", "type"),
		token("code", "code"),
		date("date", "recordedDate"),
		ref("patient", "Patient", "patient"),
		ref("recorder", "Practitioner", "recorder"),
		ref("asserter", "Practitioner", "asserter"),
	},
	"Immunization": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("vaccine-code", "vaccineCode"),
		str("lot-number", "lotNumber"),
		date("date", "occurrence"),
		ref("patient", "Patient", "patient"),
		ref("encounter", "Encounter", "encounter"),
		ref("location", "Location", "location"),
		ref("performer", "Practitioner", "performer.actor"),
	},
	"DiagnosticReport": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("category", "category"),
		token("code", "code"),
		date("date", "effective"),
		date("issued", "issued"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("performer", "Practitioner", "performer"),
		ref("result", "Observation", "result"),
		ref("based-on", "ServiceRequest", "basedOn"),
	},
	"ServiceRequest": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("intent", "intent"),
		token("category", "category"),
		token("code", "code"),
		date("authored", "authoredOn"),
		date("occurrence", "occurrence"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("requester", "Practitioner", "requester"),
		ref("performer", "Practitioner", "performer"),
		ref("based-on", "ServiceRequest", "basedOn"),
	},
	"CarePlan": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("intent", "intent"),
		token("category", "category"),
		date("date", "period"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("care-team", "CareTeam", "careTeam"),
		ref("goal", "Goal", "goal"),
		ref("addresses", "Condition", "addresses"),
		ref("activity-reference", "ServiceRequest", "activity.plannedActivityReference"),
	},
	"CareTeam": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("category", "category"),
		date("date", "period"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
		ref("participant", "Practitioner", "participant.member"),
	},
	"Device": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("type", "type"),
		token("udi-di", "udiCarrier.deviceIdentifier"),
		token("udi-carrier", "udiCarrier.carrierHRF"),
		str("device-name", "deviceName.name"),
		str("manufacturer", "manufacturer"),
		str("model", "modelNumber"),
		ref("patient", "Patient", "patient"),
		ref("organization", "Organization", "owner"),
	},
	"DocumentReference": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("type", "type"),
		token("category", "category"),
		str("description", "description"),
		date("date", "date"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "context", "context.encounter"),
		ref("author", "Practitioner", "author"),
		ref("custodian", "Organization", "custodian"),
	},
	"Claim": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("use", "use"),
		token("priority", "priority"),
		date("created", "created"),
		qty("total", "total"),
		ref("patient", "Patient", "patient"),
		ref("provider", "Practitioner", "provider"),
		ref("insurer", "Organization", "insurer"),
		ref("facility", "Location", "facility"),
	},
	"ExplanationOfBenefit": {
		token("identifier", "identifier"),
		token("status", "status"),
		str("disposition", "disposition"),
		date("created", "created"),
		ref("patient", "Patient", "patient"),
		ref("claim", "Claim", "claim"),
		ref("provider", "Practitioner", "provider"),
	},
	"Goal": {
		token("identifier", "identifier"),
		token("lifecycle-status", "lifecycleStatus"),
		token("achievement-status", "achievementStatus"),
		token("category", "category"),
		date("start-date", "startDate"),
		date("target-date", "target.dueDate"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
	},
	"ImagingStudy": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("modality", "series.modality"),
		date("started", "started"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("encounter", "Encounter", "encounter"),
	},
	"Provenance": {
		date("recorded", "recorded"),
		ref("target", "", "target"),
		ref("agent", "Practitioner", "agent.who"),
	},
	"RelatedPerson": {
		token("identifier", "identifier"),
		str("name", "name"),
		token("relationship", "relationship"),
		token("gender", "gender"),
		token("active", "active"),
		date("birthdate", "birthDate"),
		ref("patient", "Patient", "patient"),
	},
	"Specimen": {
		token("identifier", "identifier"),
		token("status", "status"),
		token("type", "type"),
		date("collected", "collection.collected"),
		ref("subject", "Patient", "subject"),
		ref("patient", "Patient", "subject"),
		ref("collector", "Practitioner", "collection.collector"),
	},
	"SupplyDelivery": {
		token("identifier", "identifier"),
		token("status", "status"),
		ref("patient", "Patient", "patient"),
		ref("receiver", "Practitioner", "receiver"),
		ref("supplier", "Organization", "supplier"),
	},
}

// paramIndex is built once from searchParams plus commonParams for O(1)
// lookup by (resourceType, name).
var paramIndex = buildParamIndex()

func buildParamIndex() map[string]map[string]ParamDef {
	idx := make(map[string]map[string]ParamDef, len(searchParams))
	for rt, defs := range searchParams {
		m := make(map[string]ParamDef, len(defs)+len(commonParams))
		for _, d := range commonParams {
			m[d.Name] = d
		}
		for _, d := range defs {
			m[d.Name] = d
		}
		idx[rt] = m
	}
	return idx
}

// Params returns the declared parameter set for a resource type, common
// parameters first. Types without a declared set still get the common ones.
func Params(resourceType string) []ParamDef {
	defs := searchParams[resourceType]
	out := make([]ParamDef, 0, len(commonParams)+len(defs))
	out = append(out, commonParams...)
	out = append(out, defs...)
	return out
}

// Lookup resolves a parameter definition by resource type and name.
func Lookup(resourceType, name string) (ParamDef, bool) {
	if m, ok := paramIndex[resourceType]; ok {
		def, ok := m[name]
		return def, ok
	}
	for _, d := range commonParams {
		if d.Name == name {
			return d, true
		}
	}
	return ParamDef{}, false
}

// SupportedTypes returns the resource types with a declared parameter set,
// sorted for stable capability statements.
func SupportedTypes() []string {
	out := make([]string, 0, len(searchParams))
	for rt := range searchParams {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}
