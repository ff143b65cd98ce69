package store

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/notify"
)

const loincSystem = "http://loinc.org"

// orderLinkWindow is how far before the observation's effective time a
// candidate order may have been authored.
const orderLinkWindow = 7 * 24 * time.Hour

// autoLink matches an Observation that arrives without basedOn against
// active laboratory ServiceRequests for the same patient: overlapping LOINC
// code, authored within the link window before the observation's effective
// time, closest in time wins. On a match it writes basedOn into the
// observation and returns the order id so the caller can complete the order
// after commit. Every failure path returns "" and the create proceeds
// unlinked.
func (s *Service) autoLink(ctx context.Context, obs map[string]interface{}) string {
	if hasBasedOn(obs) {
		return ""
	}
	patientID := patientRef(obs)
	if patientID == "" {
		return ""
	}
	effective, ok := observationEffective(obs)
	if !ok {
		return ""
	}
	codes := loincCodes(obs["code"])
	if len(codes) == 0 {
		return ""
	}

	params := url.Values{
		"status":  {"active"},
		"subject": {"Patient/" + patientID},
	}
	preds, opts := s.parser.Parse("ServiceRequest", params)
	q := s.compiler.Compile("ServiceRequest", preds, opts)
	candidates, _, err := s.repo.SearchPage(ctx, q)
	if err != nil {
		s.log.Warn().Err(err).Msg("order link candidate search failed")
		return ""
	}

	maps := make([]map[string]interface{}, 0, len(candidates))
	for _, c := range candidates {
		m, err := c.Map()
		if err != nil {
			continue
		}
		maps = append(maps, m)
	}

	srID := bestServiceRequest(effective, codes, maps)
	if srID == "" {
		return ""
	}
	obs["basedOn"] = []interface{}{
		map[string]interface{}{"reference": "ServiceRequest/" + srID},
	}
	s.log.Info().Str("service_request", srID).Msg("linked observation to order")
	return srID
}

// completeLinked flips the linked order to completed in its own transaction
// after the observation commit. Best effort: a failure leaves the order
// active and the observation linked.
func (s *Service) completeLinked(ctx context.Context, srID string) {
	st, err := s.repo.Get(ctx, "ServiceRequest", srID)
	if err != nil {
		s.log.Warn().Err(err).Str("service_request", srID).Msg("linked order fetch failed")
		return
	}
	res, err := st.Map()
	if err != nil {
		s.log.Warn().Err(err).Str("service_request", srID).Msg("linked order decode failed")
		return
	}
	res["status"] = "completed"
	updated, err := s.repo.Update(ctx, "ServiceRequest", srID, res, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("service_request", srID).Msg("linked order completion failed")
		return
	}
	s.notifyChange(ctx, notify.OpUpdate, updated)
}

// bestServiceRequest picks the candidate authored closest before the
// observation's effective time, within the window, with an overlapping
// LOINC code. Candidates that are not active laboratory orders are skipped
// regardless of how they were fetched.
func bestServiceRequest(effective time.Time, obsCodes []string, candidates []map[string]interface{}) string {
	codeSet := make(map[string]struct{}, len(obsCodes))
	for _, c := range obsCodes {
		codeSet[c] = struct{}{}
	}

	bestID := ""
	bestDiff := orderLinkWindow + 1
	for _, sr := range candidates {
		if status, _ := sr["status"].(string); status != "active" {
			continue
		}
		if !isLaboratory(sr) {
			continue
		}
		id, _ := sr["id"].(string)
		if id == "" {
			continue
		}
		raw, _ := sr["authoredOn"].(string)
		authored, ok := parseInstant(raw)
		if !ok {
			continue
		}
		diff := effective.Sub(authored)
		if diff < 0 || diff > orderLinkWindow {
			continue
		}
		overlap := false
		for _, c := range loincCodes(sr["code"]) {
			if _, ok := codeSet[c]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			continue
		}
		if diff < bestDiff {
			bestDiff = diff
			bestID = id
		}
	}
	return bestID
}

func hasBasedOn(obs map[string]interface{}) bool {
	switch v := obs["basedOn"].(type) {
	case nil:
		return false
	case []interface{}:
		return len(v) > 0
	default:
		return true
	}
}

func patientRef(obs map[string]interface{}) string {
	subj, _ := obs["subject"].(map[string]interface{})
	raw, _ := subj["reference"].(string)
	ref := fhir.ParseReferenceAt(raw, "subject")
	switch ref.Kind {
	case fhir.RefTypeID, fhir.RefURL, fhir.RefUrnUUID:
		if ref.Type == "Patient" && ref.ID != "" {
			return ref.ID
		}
	}
	return ""
}

func observationEffective(obs map[string]interface{}) (time.Time, bool) {
	if v, ok := obs["effectiveDateTime"].(string); ok {
		return parseInstant(v)
	}
	if v, ok := obs["effectiveInstant"].(string); ok {
		return parseInstant(v)
	}
	if p, ok := obs["effectivePeriod"].(map[string]interface{}); ok {
		if v, ok := p["start"].(string); ok {
			return parseInstant(v)
		}
	}
	return time.Time{}, false
}

func parseInstant(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func loincCodes(v interface{}) []string {
	cc, _ := v.(map[string]interface{})
	codings, _ := cc["coding"].([]interface{})
	var out []string
	for _, c := range codings {
		m, _ := c.(map[string]interface{})
		sys, _ := m["system"].(string)
		code, _ := m["code"].(string)
		if code != "" && sys == loincSystem {
			out = append(out, code)
		}
	}
	return out
}

// isLaboratory accepts a category coding code of "laboratory" on any system,
// or category text naming it.
func isLaboratory(sr map[string]interface{}) bool {
	cats, _ := sr["category"].([]interface{})
	for _, cat := range cats {
		cc, _ := cat.(map[string]interface{})
		if cc == nil {
			continue
		}
		if text, _ := cc["text"].(string); strings.EqualFold(text, "laboratory") {
			return true
		}
		codings, _ := cc["coding"].([]interface{})
		for _, c := range codings {
			m, _ := c.(map[string]interface{})
			if code, _ := m["code"].(string); strings.EqualFold(code, "laboratory") {
				return true
			}
			if disp, _ := m["display"].(string); strings.EqualFold(disp, "laboratory") {
				return true
			}
		}
	}
	return false
}
