package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle is the FHIR Bundle wire structure used for search responses,
// history responses, and transaction/batch requests and responses.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Extension    []Extension   `json:"extension,omitempty"`
}

// BundleLink is a relation link (self, next, previous) on a bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is a single entry in a bundle.
type BundleEntry struct {
	FullURL  string               `json:"fullUrl,omitempty"`
	Resource json.RawMessage      `json:"resource,omitempty"`
	Search   *BundleSearch        `json:"search,omitempty"`
	Request  *BundleEntryRequest  `json:"request,omitempty"`
	Response *BundleEntryResponse `json:"response,omitempty"`
}

// BundleSearch carries the search mode of an entry (match, include, outcome).
type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleEntryRequest describes the operation an entry asks for.
type BundleEntryRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// BundleEntryResponse describes the outcome of an executed entry.
type BundleEntryResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	Etag         string          `json:"etag,omitempty"`
	LastModified string          `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// Extension is a FHIR extension element.
type Extension struct {
	URL          string      `json:"url"`
	ValueInteger *int        `json:"valueInteger,omitempty"`
	ValueString  string      `json:"valueString,omitempty"`
	ValueDecimal *float64    `json:"valueDecimal,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`
}

// SearchBundleParams carries the inputs for search bundle link construction.
type SearchBundleParams struct {
	BaseURL  string // e.g. "https://host/R4/Patient"
	QueryStr string // raw query string without _offset
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle assembles a searchset bundle from match and include
// entries, with self/next/previous links derived from the paging window.
func NewSearchBundle(entries []BundleEntry, p SearchBundleParams) *Bundle {
	total := p.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Total:        &total,
		Link:         paginationLinks(p),
		Entry:        entries,
	}
}

func paginationLinks(p SearchBundleParams) []BundleLink {
	sep := "?"
	if p.QueryStr != "" {
		sep = "?" + p.QueryStr + "&"
	}

	links := []BundleLink{
		{Relation: "self", URL: fmt.Sprintf("%s%s_offset=%d", p.BaseURL, sep, p.Offset)},
	}
	if p.Offset+p.Count < p.Total {
		links = append(links, BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s%s_offset=%d", p.BaseURL, sep, p.Offset+p.Count),
		})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{
			Relation: "previous",
			URL:      fmt.Sprintf("%s%s_offset=%d", p.BaseURL, sep, prev),
		})
	}
	return links
}

// MatchEntry builds a searchset entry with search.mode=match.
func MatchEntry(baseURL string, resource json.RawMessage) BundleEntry {
	return BundleEntry{
		FullURL:  entryFullURL(baseURL, resource),
		Resource: resource,
		Search:   &BundleSearch{Mode: "match"},
	}
}

// IncludeEntry builds a searchset entry with search.mode=include.
func IncludeEntry(baseURL string, resource json.RawMessage) BundleEntry {
	return BundleEntry{
		FullURL:  entryFullURL(baseURL, resource),
		Resource: resource,
		Search:   &BundleSearch{Mode: "include"},
	}
}

func entryFullURL(baseURL string, resource json.RawMessage) string {
	rt, id := RawIdentity(resource)
	if rt == "" || id == "" {
		return ""
	}
	if baseURL == "" {
		return rt + "/" + id
	}
	return fmt.Sprintf("%s/%s/%s", baseURL, rt, id)
}

// HistoryEvent is one version event for history bundle assembly.
type HistoryEvent struct {
	ResourceType string
	FHIRID       string
	VersionID    int
	Operation    string // create, update, delete
	Time         time.Time
	Resource     json.RawMessage
}

// NewHistoryBundle assembles a history-type bundle from version events,
// mapping each operation to the request method and response status that
// produced it.
func NewHistoryBundle(baseURL string, events []HistoryEvent, total int) *Bundle {
	entries := make([]BundleEntry, 0, len(events))
	for _, ev := range events {
		method, status := "PUT", "200 OK"
		switch ev.Operation {
		case "create":
			method, status = "POST", "201 Created"
		case "delete":
			method, status = "DELETE", "204 No Content"
		}

		entry := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s", baseURL, ev.ResourceType, ev.FHIRID),
			Request: &BundleEntryRequest{
				Method: method,
				URL:    FormatReference(ev.ResourceType, ev.FHIRID),
			},
			Response: &BundleEntryResponse{
				Status:       status,
				Etag:         ETag(ev.VersionID),
				LastModified: ev.Time.UTC().Format(time.RFC3339),
			},
		}
		if ev.Operation != "delete" {
			entry.Resource = ev.Resource
		}
		entries = append(entries, entry)
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Total:        &total,
		Entry:        entries,
	}
}
