package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TransactionEntry is a parsed bundle entry with its resource decoded.
type TransactionEntry struct {
	FullURL  string
	Resource map[string]interface{}
	Request  BundleEntryRequest
	Response *BundleEntryResponse
}

// TransactionBundle is the parsed form of a transaction or batch bundle.
type TransactionBundle struct {
	Type    string
	Entries []TransactionEntry
}

var validEntryMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// ParseTransactionBundle decodes a raw transaction/batch bundle. Structural
// problems (not a Bundle, missing type, undecodable entries) are errors;
// semantic validation is left to ValidateTransactionBundle.
func ParseTransactionBundle(raw []byte) (*TransactionBundle, error) {
	var wire struct {
		ResourceType string `json:"resourceType"`
		Type         string `json:"type"`
		Entry        []struct {
			FullURL  string              `json:"fullUrl"`
			Resource json.RawMessage     `json:"resource"`
			Request  *BundleEntryRequest `json:"request"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid bundle JSON: %w", err)
	}
	if wire.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected resourceType Bundle, got %q", wire.ResourceType)
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("bundle type is required")
	}

	tb := &TransactionBundle{Type: wire.Type}
	for i, e := range wire.Entry {
		entry := TransactionEntry{FullURL: e.FullURL}
		if e.Request != nil {
			entry.Request = *e.Request
		}
		if len(e.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(e.Resource, &res); err != nil {
				return nil, fmt.Errorf("entry %d: invalid resource JSON: %w", i, err)
			}
			entry.Resource = res
		}
		tb.Entries = append(tb.Entries, entry)
	}
	return tb, nil
}

// ValidateTransactionBundle checks the structural rules every transaction or
// batch entry must satisfy: method and url present and legal, a resource on
// POST/PUT/PATCH, and unique fullUrl values.
func ValidateTransactionBundle(tb *TransactionBundle) error {
	seen := make(map[string]bool)
	for i, e := range tb.Entries {
		if e.Request.Method == "" {
			return fmt.Errorf("entry %d: request.method is required", i)
		}
		method := strings.ToUpper(e.Request.Method)
		if !validEntryMethods[method] {
			return fmt.Errorf("entry %d: invalid method %q", i, e.Request.Method)
		}
		if e.Request.URL == "" {
			return fmt.Errorf("entry %d: request.url is required", i)
		}
		switch method {
		case "POST", "PUT", "PATCH":
			if e.Resource == nil {
				return fmt.Errorf("entry %d: %s requires a resource", i, method)
			}
		}
		if e.FullURL != "" {
			if seen[e.FullURL] {
				return fmt.Errorf("entry %d: duplicate fullUrl %q", i, e.FullURL)
			}
			seen[e.FullURL] = true
		}
	}
	return nil
}

// EntryURL is a parsed request.url of a bundle entry.
type EntryURL struct {
	ResourceType string
	ID           string
	Query        string // raw search criteria for conditional operations
}

// ParseEntryURL splits an entry request.url into type, id and search query.
// Accepted forms: "Patient", "Patient/123", "Patient?name=smith".
func ParseEntryURL(url string) (EntryURL, error) {
	url = strings.TrimPrefix(strings.TrimSpace(url), "/")
	if url == "" {
		return EntryURL{}, fmt.Errorf("empty entry url")
	}

	if qIdx := strings.Index(url, "?"); qIdx >= 0 {
		rt := url[:qIdx]
		if rt == "" {
			return EntryURL{}, fmt.Errorf("entry url %q has no resource type", url)
		}
		return EntryURL{ResourceType: rt, Query: url[qIdx+1:]}, nil
	}

	parts := strings.Split(url, "/")
	switch len(parts) {
	case 1:
		return EntryURL{ResourceType: parts[0]}, nil
	case 2:
		return EntryURL{ResourceType: parts[0], ID: parts[1]}, nil
	default:
		return EntryURL{}, fmt.Errorf("unsupported entry url %q", url)
	}
}

// RewriteLocalRefs replaces reference values found in idMap (urn:uuid
// fullUrls mapped to assigned Type/id forms) throughout a resource.
// References not in the map are left untouched.
func RewriteLocalRefs(resource map[string]interface{}, idMap map[string]string) {
	if len(idMap) == 0 {
		return
	}
	VisitObjects(resource, func(_ string, obj map[string]interface{}) {
		ref, ok := obj["reference"].(string)
		if !ok {
			return
		}
		if assigned, found := idMap[ref]; found {
			obj["reference"] = assigned
		}
	})
}
