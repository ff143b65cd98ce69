// Package normalize converts resources arriving in known source profiles
// (Synthea exports, US Core) to the single canonical R4 shape the rest of
// the server indexes and searches. An ordered handler list decides which
// source profile a resource belongs to; the first handler whose predicate
// matches owns the resource, and a claimed Bundle propagates that choice to
// every entry. Resources no handler claims pass through with only the
// profile-independent cleanup.
package normalize

import (
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
)

// Normalizer applies source-profile canonicalization to raw resources.
type Normalizer struct {
	handlers []*profileHandler
	log      zerolog.Logger
}

// New builds a Normalizer with the standard handler order: Synthea first,
// US Core second.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{
		handlers: []*profileHandler{syntheaHandler, usCoreHandler},
		log:      log.With().Str("component", "normalizer").Logger(),
	}
}

// Apply rewrites res in place to the canonical shape. It returns the name of
// the handler that claimed the resource, or "" when the resource passed
// through with common cleanup only.
func (n *Normalizer) Apply(res map[string]interface{}) string {
	if res == nil {
		return ""
	}
	var claimed *profileHandler
	for _, h := range n.handlers {
		if h.match(res) {
			claimed = h
			break
		}
	}
	n.walk(claimed, res)
	if claimed == nil {
		return ""
	}
	n.log.Debug().
		Str("handler", claimed.name).
		Str("resource_type", fhir.ResourceType(res)).
		Msg("resource canonicalized")
	return claimed.name
}

// walk applies a handler choice to one resource. Bundles are not transformed
// themselves; each entry resource is normalized recursively under the same
// handler so a claimed transaction keeps one schema throughout.
func (n *Normalizer) walk(h *profileHandler, res map[string]interface{}) {
	if fhir.ResourceType(res) == "Bundle" {
		entries, _ := res["entry"].([]interface{})
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if child, ok := entry["resource"].(map[string]interface{}); ok {
				n.walk(h, child)
			}
		}
		return
	}

	if h != nil {
		canonicalize(res)
	}
	commonCleanup(res)
	if h != nil && h.profile != "" {
		fhir.AddMetaProfile(res, h.profile)
	}
}
