package search

import (
	"strings"

	"github.com/fhird/fhird/internal/fhir"
)

// ResourceKey identifies a resource by type and id. Bundle assembly uses it
// to deduplicate entries across the match, include, and revinclude sets.
type ResourceKey struct {
	Type string
	ID   string
}

// KeyOf returns the (type, id) key of a raw resource.
func KeyOf(res map[string]interface{}) ResourceKey {
	return ResourceKey{Type: fhir.ResourceType(res), ID: fhir.ResourceID(res)}
}

// CollectIncludeRefs gathers the referenced (type, id) pairs named by an
// _include directive from a page of match resources, deduplicated in
// first-seen order. urn:uuid references take their type from the holding
// field, then from the parameter's declared target. Broken or unresolvable
// references are skipped silently.
func CollectIncludeRefs(spec IncludeSpec, matches []map[string]interface{}) []ResourceKey {
	def, ok := Lookup(spec.Source, spec.Param)
	if !ok || def.Type != TypeReference {
		return nil
	}

	var keys []ResourceKey
	seen := make(map[ResourceKey]struct{})
	for _, res := range matches {
		for _, p := range def.Paths {
			field := p
			if idx := strings.LastIndex(p, "."); idx >= 0 {
				field = p[idx+1:]
			}
			for _, v := range resolvePath(res, p) {
				raw := referenceString(v)
				if raw == "" {
					continue
				}
				ref := fhir.ParseReferenceAt(raw, field)
				key := ResourceKey{Type: ref.Type, ID: ref.ID}
				switch ref.Kind {
				case fhir.RefTypeID, fhir.RefURL:
				case fhir.RefUrnUUID:
					if key.Type == "" || key.Type == "Resource" {
						key.Type = def.Target
					}
				default:
					continue
				}
				if key.Type == "" || key.Type == "Resource" || key.ID == "" {
					continue
				}
				if spec.Target != "" && key.Type != spec.Target {
					continue
				}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// RevIncludePredicate builds the predicate for a _revinclude sub-search:
// find spec.Source resources whose spec.Param points at any of the page's
// matches. Returns false when the directive or the page yields nothing
// searchable.
func RevIncludePredicate(spec IncludeSpec, matches []map[string]interface{}) (Predicate, bool) {
	def, ok := Lookup(spec.Source, spec.Param)
	if !ok || def.Type != TypeReference {
		return Predicate{}, false
	}
	var values []string
	for _, res := range matches {
		key := KeyOf(res)
		if key.Type == "" || key.ID == "" {
			continue
		}
		values = append(values, key.Type+"/"+key.ID)
	}
	if len(values) == 0 {
		return Predicate{}, false
	}
	return Predicate{Name: spec.Param, Def: def, Values: values}, true
}
