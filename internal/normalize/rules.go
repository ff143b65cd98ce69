package normalize

import (
	"github.com/fhird/fhird/internal/fhir"
)

// canonicalize dispatches to the per-type canonical rule. Types without a
// rule are covered by common cleanup alone.
func canonicalize(res map[string]interface{}) {
	if rule, ok := typeRules[fhir.ResourceType(res)]; ok {
		rule(res)
	}
}

var typeRules = map[string]func(map[string]interface{}){
	"Encounter":                canonEncounter,
	"Procedure":                canonProcedure,
	"MedicationRequest":        canonMedicationRequest,
	"MedicationAdministration": canonMedicationAdministration,
	"Observation":              canonObservation,
	"Condition":                canonCondition,
	"AllergyIntolerance":       canonAllergyIntolerance,
	"DocumentReference":        canonDocumentReference,
	"Device":                   canonDevice,
	"CarePlan":                 canonCarePlan,
	"CareTeam":                 canonCareTeam,
	"Organization":             canonContactResource,
	"Location":                 canonContactResource,
	"Practitioner":             canonContactResource,
	"Claim":                    canonClaim,
	"ExplanationOfBenefit":     canonClaim,
}

// ---------------------------------------------------------------------------
// Encounter
// ---------------------------------------------------------------------------

// canonEncounter rewrites an Encounter to the canonical shape: class as a
// list of CodeableConcept, actualPeriod in place of period, participant.actor
// in place of participant.individual, and reasonCode folded into reason.use.
func canonEncounter(res map[string]interface{}) {
	if class, ok := res["class"]; ok {
		items := fhir.AsSlice(class)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, asCodeableConcept(m))
			}
		}
		res["class"] = out
	}

	rename(res, "period", "actualPeriod")

	fhir.EachObject(res, "participant", func(p map[string]interface{}) {
		rename(p, "individual", "actor")
		whitelist(p, "type", "period", "actor")
	})

	if rc, ok := res["reasonCode"]; ok {
		delete(res, "reasonCode")
		reasons := fhir.AsSlice(res["reason"])
		for _, item := range fhir.AsSlice(rc) {
			if cc, ok := item.(map[string]interface{}); ok {
				reasons = append(reasons, map[string]interface{}{
					"use": []interface{}{cleanCodeableConcept(cc)},
				})
			}
		}
		res["reason"] = reasons
	}

	if hosp, ok := res["hospitalization"].(map[string]interface{}); ok {
		whitelist(hosp, "admitSource", "reAdmission", "dischargeDisposition", "origin", "destination")
	}
}

// ---------------------------------------------------------------------------
// Procedure
// ---------------------------------------------------------------------------

// canonProcedure moves performed[x] to occurrence[x] and folds
// reasonCode/reasonReference into reason as CodeableReference entries.
func canonProcedure(res map[string]interface{}) {
	fhir.RenameChoice(res, "performed", "occurrence")

	reasons := fhir.AsSlice(res["reason"])
	for i, item := range reasons {
		if m, ok := item.(map[string]interface{}); ok {
			reasons[i] = asCodeableReference(m)
		}
	}
	if rc, ok := res["reasonCode"]; ok {
		delete(res, "reasonCode")
		for _, item := range fhir.AsSlice(rc) {
			if cc, ok := item.(map[string]interface{}); ok {
				reasons = append(reasons, map[string]interface{}{"concept": cleanCodeableConcept(cc)})
			}
		}
	}
	if rr, ok := res["reasonReference"]; ok {
		delete(res, "reasonReference")
		for _, item := range fhir.AsSlice(rr) {
			if ref, ok := item.(map[string]interface{}); ok {
				reasons = append(reasons, map[string]interface{}{"reference": ref})
			}
		}
	}
	if len(reasons) > 0 {
		res["reason"] = reasons
	}
}

// ---------------------------------------------------------------------------
// MedicationRequest / MedicationAdministration
// ---------------------------------------------------------------------------

// canonMedicationRequest collapses the medication[x] forms onto the classic
// medicationCodeableConcept / medicationReference pair and flattens the
// asNeededBoolean dosage flag.
func canonMedicationRequest(res map[string]interface{}) {
	collapseMedication(res)
	fhir.EachObject(res, "dosageInstruction", func(d map[string]interface{}) {
		rename(d, "asNeededBoolean", "asNeeded")
	})
}

// collapseMedication maps the CodeableReference medication form
// (medication.concept / medication.reference) and bare concepts onto
// medicationCodeableConcept / medicationReference.
func collapseMedication(res map[string]interface{}) {
	med, ok := res["medication"].(map[string]interface{})
	if !ok {
		return
	}
	delete(res, "medication")
	if c, ok := med["concept"].(map[string]interface{}); ok {
		res["medicationCodeableConcept"] = cleanCodeableConcept(c)
		return
	}
	if r, ok := med["reference"].(map[string]interface{}); ok {
		res["medicationReference"] = r
		return
	}
	if _, ok := med["reference"].(string); ok {
		res["medicationReference"] = med
		return
	}
	if _, ok := med["coding"]; ok {
		res["medicationCodeableConcept"] = cleanCodeableConcept(med)
		return
	}
	if _, ok := med["text"]; ok {
		res["medicationCodeableConcept"] = cleanCodeableConcept(med)
		return
	}
	// unrecognized shape kept as-is
	res["medication"] = med
}

// canonMedicationAdministration keeps the occurence[x] spelling the canonical
// model carries and wraps medication as a CodeableReference.
func canonMedicationAdministration(res map[string]interface{}) {
	fhir.RenameChoice(res, "effective", "occurence")
	fhir.RenameChoice(res, "occurrence", "occurence")
	rename(res, "context", "encounter")

	if cc, ok := res["medicationCodeableConcept"].(map[string]interface{}); ok {
		delete(res, "medicationCodeableConcept")
		res["medication"] = map[string]interface{}{"concept": cleanCodeableConcept(cc)}
	} else if ref, ok := res["medicationReference"].(map[string]interface{}); ok {
		delete(res, "medicationReference")
		res["medication"] = map[string]interface{}{"reference": ref}
	} else if med, ok := res["medication"].(map[string]interface{}); ok {
		res["medication"] = asCodeableReference(med)
	}
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

var observationComponentFields = []string{
	"code", "dataAbsentReason", "interpretation", "referenceRange",
	"valueQuantity", "valueCodeableConcept", "valueString", "valueBoolean",
	"valueInteger", "valueRange", "valueRatio", "valueSampledData",
	"valueTime", "valueDateTime", "valuePeriod",
}

var observationReferenceRangeFields = []string{
	"low", "high", "type", "appliesTo", "age", "text",
}

// canonObservation whitelists component and referenceRange entries, forces
// quantity values numeric, and keeps interpretation a CodeableConcept list.
func canonObservation(res map[string]interface{}) {
	forceQuantityNumeric(res, "valueQuantity")

	fhir.EachObject(res, "component", func(comp map[string]interface{}) {
		whitelist(comp, observationComponentFields...)
		forceQuantityNumeric(comp, "valueQuantity")
	})

	fhir.EachObject(res, "referenceRange", func(rr map[string]interface{}) {
		whitelist(rr, observationReferenceRangeFields...)
	})

	if interp, ok := res["interpretation"]; ok {
		items := fhir.AsSlice(interp)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, asCodeableConcept(m))
			}
		}
		res["interpretation"] = out
	}
}

// forceQuantityNumeric coerces a Quantity value field to a JSON number.
// Synthea occasionally emits quantity values as strings.
func forceQuantityNumeric(obj map[string]interface{}, field string) {
	q, ok := obj[field].(map[string]interface{})
	if !ok {
		return
	}
	if f, ok := fhir.ToFloat(q["value"]); ok {
		q["value"] = f
	}
}

// ---------------------------------------------------------------------------
// Condition
// ---------------------------------------------------------------------------

// canonCondition cleans the concept-valued fields and keeps category,
// bodySite and evidence list-shaped.
func canonCondition(res map[string]interface{}) {
	for _, field := range []string{"clinicalStatus", "verificationStatus", "severity", "code"} {
		if cc, ok := res[field].(map[string]interface{}); ok {
			res[field] = asCodeableConcept(cc)
		}
	}
	for _, field := range []string{"category", "bodySite"} {
		if v, ok := res[field]; ok {
			items := fhir.AsSlice(v)
			out := make([]interface{}, 0, len(items))
			for _, item := range items {
				if m, ok := item.(map[string]interface{}); ok {
					out = append(out, asCodeableConcept(m))
				}
			}
			res[field] = out
		}
	}
	if ev, ok := res["evidence"]; ok {
		res["evidence"] = fhir.AsSlice(ev)
	}
}

// ---------------------------------------------------------------------------
// AllergyIntolerance
// ---------------------------------------------------------------------------

// canonAllergyIntolerance promotes a string type code to a CodeableConcept
// and wraps reaction manifestations as CodeableReference.
func canonAllergyIntolerance(res map[string]interface{}) {
	if t, ok := res["type"].(string); ok {
		res["type"] = map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{
				"system": "http://hl7.org/fhir/allergy-intolerance-type",
				"code":   t,
			}},
		}
	}
	fhir.EachObject(res, "reaction", func(r map[string]interface{}) {
		man, ok := r["manifestation"]
		if !ok {
			return
		}
		items := fhir.AsSlice(man)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, asCodeableReference(m))
			}
		}
		r["manifestation"] = out
	})
}

// ---------------------------------------------------------------------------
// DocumentReference
// ---------------------------------------------------------------------------

// canonDocumentReference keeps type singular, reduces context to the
// encounter reference, and drops the content format attribute.
func canonDocumentReference(res map[string]interface{}) {
	if arr, ok := res["type"].([]interface{}); ok {
		if len(arr) > 0 {
			res["type"] = arr[0]
		} else {
			delete(res, "type")
		}
	}

	switch ctx := res["context"].(type) {
	case map[string]interface{}:
		if _, isRef := ctx["reference"].(string); !isRef {
			if enc := firstObject(ctx["encounter"]); enc != nil {
				res["context"] = enc
			} else {
				delete(res, "context")
			}
		}
	case []interface{}:
		if enc := firstObject(ctx); enc != nil {
			res["context"] = enc
		} else {
			delete(res, "context")
		}
	}

	fhir.EachObject(res, "content", func(c map[string]interface{}) {
		delete(c, "format")
	})
}

// ---------------------------------------------------------------------------
// Device
// ---------------------------------------------------------------------------

// canonDevice lists type, fills the udiCarrier issuer, and keeps a single
// manufacturer value.
func canonDevice(res map[string]interface{}) {
	if t, ok := res["type"]; ok {
		items := fhir.AsSlice(t)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, asCodeableConcept(m))
			}
		}
		res["type"] = out
	}
	fhir.EachObject(res, "udiCarrier", func(u map[string]interface{}) {
		if _, ok := u["issuer"]; !ok {
			u["issuer"] = "Unknown"
		}
	})
	if arr, ok := res["manufacturer"].([]interface{}); ok && len(arr) > 0 {
		res["manufacturer"] = arr[0]
	}
}

// ---------------------------------------------------------------------------
// CarePlan / CareTeam
// ---------------------------------------------------------------------------

// canonCarePlan rebuilds activity entries around plannedActivityReference and
// performedActivity and wraps addresses as CodeableReference.
func canonCarePlan(res map[string]interface{}) {
	fhir.EachObject(res, "activity", func(act map[string]interface{}) {
		var performed []interface{}
		for _, item := range fhir.AsSlice(act["outcomeCodeableConcept"]) {
			if cc, ok := item.(map[string]interface{}); ok {
				performed = append(performed, map[string]interface{}{"concept": cleanCodeableConcept(cc)})
			}
		}
		for _, item := range fhir.AsSlice(act["outcomeReference"]) {
			if ref, ok := item.(map[string]interface{}); ok {
				performed = append(performed, map[string]interface{}{"reference": ref})
			}
		}
		delete(act, "outcomeCodeableConcept")
		delete(act, "outcomeReference")
		if len(performed) > 0 {
			act["performedActivity"] = performed
		}

		if detail, ok := act["detail"].(map[string]interface{}); ok {
			delete(act, "detail")
			if ref := plannedActivityRef(detail); ref != nil {
				act["plannedActivityReference"] = ref
			}
		}
	})

	if adds, ok := res["addresses"]; ok {
		items := fhir.AsSlice(adds)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, asCodeableReference(m))
			}
		}
		res["addresses"] = out
	}
}

// plannedActivityRef synthesizes a ServiceRequest reference from an activity
// detail's primary code so planned work survives the detail removal.
func plannedActivityRef(detail map[string]interface{}) map[string]interface{} {
	code, ok := detail["code"].(map[string]interface{})
	if !ok {
		return nil
	}
	coding := firstObject(code["coding"])
	if coding == nil {
		return nil
	}
	c, _ := coding["code"].(string)
	if c == "" {
		return nil
	}
	ref := map[string]interface{}{"reference": "ServiceRequest/" + c}
	if disp, _ := coding["display"].(string); disp != "" {
		ref["display"] = disp
	} else if text, _ := code["text"].(string); text != "" {
		ref["display"] = text
	}
	return ref
}

// canonCareTeam keeps one role per participant.
func canonCareTeam(res map[string]interface{}) {
	fhir.EachObject(res, "participant", func(p map[string]interface{}) {
		if arr, ok := p["role"].([]interface{}); ok {
			if len(arr) > 0 {
				p["role"] = arr[0]
			} else {
				delete(p, "role")
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Organization / Location / Practitioner
// ---------------------------------------------------------------------------

// canonContactResource cleans the demographic arrays shared by Organization,
// Location and Practitioner: telecom, address and name entries are reduced
// to their allowed fields. Scalar names (Organization, Location) are not
// touched.
func canonContactResource(res map[string]interface{}) {
	fhir.EachObject(res, "telecom", func(t map[string]interface{}) {
		whitelist(t, "system", "value", "use", "rank", "period")
	})
	fhir.EachObject(res, "address", func(a map[string]interface{}) {
		whitelist(a, "use", "type", "text", "line", "city", "district", "state", "postalCode", "country", "period")
	})
	fhir.EachObject(res, "name", func(nm map[string]interface{}) {
		whitelist(nm, "use", "text", "family", "given", "prefix", "suffix", "period")
	})
}

// ---------------------------------------------------------------------------
// Claim / ExplanationOfBenefit
// ---------------------------------------------------------------------------

// canonClaim normalizes Claim and ExplanationOfBenefit: singular total and
// type, and contained Coverage entries completed with kind and insurer.
func canonClaim(res map[string]interface{}) {
	if arr, ok := res["total"].([]interface{}); ok && len(arr) > 0 {
		res["total"] = arr[0]
	}
	if arr, ok := res["type"].([]interface{}); ok && len(arr) > 0 {
		res["type"] = arr[0]
	}
	for _, item := range fhir.AsSlice(res["contained"]) {
		c, ok := item.(map[string]interface{})
		if !ok || fhir.ResourceType(c) != "Coverage" {
			continue
		}
		if _, ok := c["kind"]; !ok {
			c["kind"] = "insurance"
		}
		if payor, ok := c["payor"]; ok {
			delete(c, "payor")
			if ins := firstObject(payor); ins != nil {
				c["insurer"] = ins
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Shared coercion helpers
// ---------------------------------------------------------------------------

// asCodeableConcept coerces a value that may be a bare Coding or a
// CodeableConcept into a cleaned CodeableConcept.
func asCodeableConcept(m map[string]interface{}) map[string]interface{} {
	if _, ok := m["coding"]; ok {
		return cleanCodeableConcept(m)
	}
	if _, ok := m["text"]; ok {
		return cleanCodeableConcept(m)
	}
	return map[string]interface{}{"coding": []interface{}{cleanCoding(m)}}
}

// asCodeableReference coerces a bare CodeableConcept or Reference into the
// CodeableReference form, leaving values already in that form alone.
func asCodeableReference(m map[string]interface{}) map[string]interface{} {
	if _, ok := m["concept"]; ok {
		return m
	}
	if _, isStr := m["reference"].(string); isStr {
		return map[string]interface{}{"reference": m}
	}
	if _, ok := m["reference"]; ok {
		return m
	}
	if _, ok := m["coding"]; ok {
		return map[string]interface{}{"concept": cleanCodeableConcept(m)}
	}
	if _, ok := m["text"]; ok {
		return map[string]interface{}{"concept": cleanCodeableConcept(m)}
	}
	return m
}

// cleanCodeableConcept reduces a CodeableConcept to coding and text, each
// coding reduced to system, code and display.
func cleanCodeableConcept(cc map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	if codings := fhir.AsSlice(cc["coding"]); codings != nil {
		cleaned := make([]interface{}, 0, len(codings))
		for _, c := range codings {
			if m, ok := c.(map[string]interface{}); ok {
				cleaned = append(cleaned, cleanCoding(m))
			}
		}
		out["coding"] = cleaned
	}
	if text, ok := cc["text"].(string); ok {
		out["text"] = text
	}
	return out
}

func cleanCoding(c map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, k := range []string{"system", "code", "display"} {
		if v, ok := c[k]; ok {
			out[k] = v
		}
	}
	return out
}

// firstObject returns the first object of a single-or-array value, or nil.
func firstObject(v interface{}) map[string]interface{} {
	for _, item := range fhir.AsSlice(v) {
		if m, ok := item.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}
