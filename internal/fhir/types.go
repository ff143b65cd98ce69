package fhir

// knownResourceTypes lists the FHIR R4 resource types this server recognizes
// in reference strings and entry URLs. Storage itself is generic; this set
// gates what parses as a resource type.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "AllergyIntolerance": true,
	"Procedure": true, "Medication": true, "MedicationRequest": true,
	"MedicationAdministration": true, "MedicationDispense": true,
	"MedicationStatement": true, "ServiceRequest": true,
	"DiagnosticReport": true, "ImagingStudy": true, "Specimen": true,
	"Immunization": true, "CarePlan": true, "CareTeam": true, "Goal": true,
	"Device": true, "DocumentReference": true, "Provenance": true,
	"Coverage": true, "Claim": true, "ClaimResponse": true,
	"ExplanationOfBenefit": true, "RelatedPerson": true,
	"SupplyDelivery": true, "Appointment": true, "Schedule": true,
	"Slot": true, "Consent": true, "Composition": true,
	"Communication": true, "Questionnaire": true,
	"QuestionnaireResponse": true, "Bundle": true,
	"OperationOutcome": true, "CapabilityStatement": true,
	"Resource": true,
}

// IsKnownResourceType reports whether rt is a recognized resource type.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}
