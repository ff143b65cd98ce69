package bundle

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/store"
)

// AssembleSearchset renders a search result as a searchset bundle. base is
// the absolute /R4 root ("" yields relative fullUrls); rawQuery is echoed
// into the paging links with any _offset stripped, since the links re-add
// their own.
func AssembleSearchset(result *store.SearchResult, base, resourceType, rawQuery string) *fhir.Bundle {
	if result.Summary == "count" {
		total := result.Total
		return &fhir.Bundle{
			ResourceType: "Bundle",
			Type:         "searchset",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Total:        &total,
		}
	}

	entries := make([]fhir.BundleEntry, 0, len(result.Matches)+len(result.Includes))
	for _, m := range result.Matches {
		entries = append(entries, fhir.MatchEntry(base, filterElements(m.Resource, result.Elements)))
	}
	for _, inc := range result.Includes {
		entries = append(entries, fhir.IncludeEntry(base, inc.Resource))
	}

	typeURL := resourceType
	if base != "" {
		typeURL = base + "/" + resourceType
	}
	return fhir.NewSearchBundle(entries, fhir.SearchBundleParams{
		BaseURL:  typeURL,
		QueryStr: cleanQuery(rawQuery),
		Count:    result.Count,
		Offset:   result.Offset,
		Total:    result.Total,
	})
}

func cleanQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	values.Del("_offset")
	return values.Encode()
}

// filterElements trims a match resource to the _elements selection plus the
// mandatory envelope fields. Includes are never trimmed. Any decode problem
// returns the blob untouched.
func filterElements(raw json.RawMessage, elements []string) json.RawMessage {
	if len(elements) == 0 {
		return raw
	}
	var res map[string]interface{}
	if err := json.Unmarshal(raw, &res); err != nil {
		return raw
	}
	keep := map[string]bool{"resourceType": true, "id": true, "meta": true}
	for _, e := range elements {
		keep[e] = true
	}
	trimmed := make(map[string]interface{}, len(keep))
	for k, v := range res {
		if keep[k] {
			trimmed[k] = v
		}
	}
	out, err := json.Marshal(trimmed)
	if err != nil {
		return raw
	}
	return out
}
