package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
)

// IndexRow is one typed search index entry derived from a resource. Nil
// pointer fields map to NULL columns in search_params.
type IndexRow struct {
	ParamName   string
	ParamType   ParamType
	ValueString *string
	ValueNumber *float64
	ValueDate   *time.Time
	TokenSystem *string
	TokenCode   *string
	ValueRef    *string
}

// ReferenceRow is one outbound reference occurrence destined for the
// references table. The owning resource's identity is added at insert time.
type ReferenceRow struct {
	TargetType string
	TargetID   string
	Path       string
	Value      string
}

// Extractor derives search index rows and reference rows from raw resources
// according to the declared parameter sets.
type Extractor struct {
	log zerolog.Logger
}

func NewExtractor(log zerolog.Logger) *Extractor {
	return &Extractor{log: log.With().Str("component", "extractor").Logger()}
}

// Extract walks the resource along every declared parameter path and returns
// the full index row set. Values that fail to parse for their declared type
// are skipped, never fatal.
func (e *Extractor) Extract(resourceType string, res map[string]interface{}) []IndexRow {
	var rows []IndexRow
	seen := make(map[string]struct{})
	add := func(r IndexRow) {
		k := rowKey(r)
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		rows = append(rows, r)
	}

	for _, def := range Params(resourceType) {
		switch def.Type {
		case TypeComposite:
			// Composites compile against their component parameters.
		case TypeString:
			e.stringRows(def, res, add)
		case TypeToken:
			e.tokenRows(def, res, add)
		case TypeDate:
			e.dateRows(def, res, add)
		case TypeNumber, TypeQuantity:
			e.quantityRows(def, res, add)
		case TypeReference:
			e.referenceRows(def, res, add)
		case TypeURI:
			e.uriRows(def, res, add)
		case TypeSpecial:
			e.specialRows(def, res, add)
		}
	}
	return rows
}

// ExtractReferences collects every outbound reference in the resource, one
// row per occurrence. Contained (#local) and empty references are skipped,
// as are conditional references, which only occur transiently inside bundles.
func (e *Extractor) ExtractReferences(res map[string]interface{}) []ReferenceRow {
	var rows []ReferenceRow
	seen := make(map[string]struct{})

	fhir.VisitObjects(res, func(path string, obj map[string]interface{}) {
		raw, ok := obj["reference"].(string)
		if !ok || raw == "" {
			return
		}
		ref := fhir.ParseReferenceAt(raw, path)
		switch ref.Kind {
		case fhir.RefInvalid, fhir.RefContained, fhir.RefConditional:
			return
		}
		row := ReferenceRow{
			TargetType: ref.Type,
			TargetID:   ref.ID,
			Path:       path,
			Value:      raw,
		}
		k := row.Path + "\x00" + row.Value
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		rows = append(rows, row)
	})
	return rows
}

// ---------------------------------------------------------------------------
// Path resolution
// ---------------------------------------------------------------------------

// resolvePath returns every value reachable from res along the dotted path.
// Arrays fan out, and a segment absent verbatim falls back to choice-suffix
// matching, so "effective" also resolves effectiveDateTime or effectivePeriod.
func resolvePath(res map[string]interface{}, path string) []interface{} {
	current := []interface{}{res}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, c := range current {
			m, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if v, ok := m[seg]; ok {
				next = append(next, fhir.AsSlice(v)...)
				continue
			}
			if ch, ok := fhir.FindChoice(m, seg); ok {
				next = append(next, fhir.AsSlice(ch.Value)...)
			}
		}
		current = next
		if len(current) == 0 {
			break
		}
	}
	return current
}

func (e *Extractor) resolve(def ParamDef, res map[string]interface{}) []interface{} {
	var out []interface{}
	for _, p := range def.Paths {
		out = append(out, resolvePath(res, p)...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Per-type collectors
// ---------------------------------------------------------------------------

// stringNameKeys and stringListKeys are the sub-fields harvested from
// HumanName and Address values for string parameters.
var stringNameKeys = []string{"family", "text", "city", "district", "state", "postalCode", "country"}
var stringListKeys = []string{"given", "prefix", "suffix", "line"}

func (e *Extractor) stringRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
	for _, v := range e.resolve(def, res) {
		switch val := v.(type) {
		case string:
			if val != "" {
				add(stringRow(def, val))
			}
		case map[string]interface{}:
			for _, k := range stringNameKeys {
				if s, ok := val[k].(string); ok && s != "" {
					add(stringRow(def, s))
				}
			}
			for _, k := range stringListKeys {
				for _, item := range fhir.AsSlice(val[k]) {
					if s, ok := item.(string); ok && s != "" {
						add(stringRow(def, s))
					}
				}
			}
		}
	}
}

func (e *Extractor) tokenRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
	for _, v := range e.resolve(def, res) {
		switch val := v.(type) {
		case string:
			if def.SystemFilter == "" && val != "" {
				add(tokenRow(def, "", val, ""))
			}
		case bool:
			add(tokenRow(def, "", strconv.FormatBool(val), ""))
		case map[string]interface{}:
			e.tokenFromObject(def, val, add)
		}
	}
}

// tokenFromObject emits rows for the object shapes a token path can land on:
// CodeableConcept, CodeableReference, bare Coding, Identifier, and
// ContactPoint. A concept whose codings all lack codes yields no rows.
func (e *Extractor) tokenFromObject(def ParamDef, obj map[string]interface{}, add func(IndexRow)) {
	if def.SystemFilter != "" {
		sys, _ := obj["system"].(string)
		if sys != def.SystemFilter {
			return
		}
		if val, ok := obj["value"].(string); ok && val != "" {
			add(tokenRow(def, sys, val, ""))
		}
		return
	}

	if concept, ok := obj["concept"].(map[string]interface{}); ok {
		e.tokenFromObject(def, concept, add)
		return
	}

	if codings, ok := obj["coding"].([]interface{}); ok {
		text, _ := obj["text"].(string)
		for _, item := range codings {
			coding, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			code, _ := coding["code"].(string)
			if code == "" {
				continue
			}
			sys, _ := coding["system"].(string)
			aux := text
			if aux == "" {
				aux, _ = coding["display"].(string)
			}
			add(tokenRow(def, sys, code, aux))
		}
		return
	}

	if code, ok := obj["code"].(string); ok && code != "" {
		sys, _ := obj["system"].(string)
		display, _ := obj["display"].(string)
		add(tokenRow(def, sys, code, display))
		return
	}

	// Identifier: system plus value.
	if val, ok := obj["value"].(string); ok && val != "" {
		sys, _ := obj["system"].(string)
		add(tokenRow(def, sys, val, ""))
	}
}

func (e *Extractor) dateRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
	for _, v := range e.resolve(def, res) {
		var literal string
		switch val := v.(type) {
		case string:
			literal = val
		case map[string]interface{}:
			// Period: index the start, falling back to the end when
			// the period is open at the front.
			literal, _ = val["start"].(string)
			if literal == "" {
				literal, _ = val["end"].(string)
			}
		}
		if literal == "" {
			continue
		}
		r, err := fhir.ParseDateRange(literal)
		if err != nil {
			e.log.Debug().Str("param", def.Name).Str("value", literal).Msg("skipping unparseable date")
			continue
		}
		start := r.Start
		add(IndexRow{ParamName: def.Name, ParamType: def.Type, ValueDate: &start})
	}
}

func (e *Extractor) quantityRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
	for _, v := range e.resolve(def, res) {
		row := IndexRow{ParamName: def.Name, ParamType: def.Type}
		switch val := v.(type) {
		case map[string]interface{}:
			num, ok := fhir.ToFloat(val["value"])
			if !ok {
				continue
			}
			row.ValueNumber = &num
			if sys, ok := val["system"].(string); ok && sys != "" {
				row.TokenSystem = &sys
			}
			code, _ := val["code"].(string)
			if code == "" {
				// Money carries currency instead of code.
				code, _ = val["currency"].(string)
			}
			if code != "" {
				row.TokenCode = &code
			}
			if unit, ok := val["unit"].(string); ok && unit != "" {
				row.ValueString = &unit
			}
		default:
			num, ok := fhir.ToFloat(v)
			if !ok {
				continue
			}
			row.ValueNumber = &num
		}
		add(row)
	}
}

// referenceRows indexes each reference under both columns: value_reference
// holds the bare id, value_string the Type/id or urn:uuid form as written.
func (e *Extractor) referenceRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
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
			row := IndexRow{ParamName: def.Name, ParamType: def.Type}
			switch ref.Kind {
			case fhir.RefTypeID:
				row.ValueRef = &ref.ID
				s := ref.Type + "/" + ref.ID
				row.ValueString = &s
			case fhir.RefURL:
				row.ValueRef = &ref.ID
				s := ref.Type + "/" + ref.ID
				row.ValueString = &s
			case fhir.RefUrnUUID:
				row.ValueRef = &ref.ID
				s := "urn:uuid:" + ref.ID
				row.ValueString = &s
			case fhir.RefConditional:
				row.ValueString = &ref.Raw
			default:
				continue
			}
			add(row)
		}
	}
}

// referenceString pulls the reference literal out of the shapes a reference
// path can resolve to: a Reference object, a CodeableReference, or a raw
// string.
func referenceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		if s, ok := val["reference"].(string); ok {
			return s
		}
		if inner, ok := val["reference"].(map[string]interface{}); ok {
			s, _ := inner["reference"].(string)
			return s
		}
	}
	return ""
}

func (e *Extractor) uriRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
	for _, v := range e.resolve(def, res) {
		if s, ok := v.(string); ok && s != "" {
			add(stringRow(def, s))
		}
	}
}

/// specialRows handles Location.near: the position is indexed as
// "latitude|longitude" for inspection, though no query clause is generated
// for it.
func (e *Extractor) specialRows(def ParamDef, res map[string]interface{}, add func(IndexRow)) {
	for _, v := range e.resolve(def, res) {
		pos, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		lat, latOK := fhir.ToFloat(pos["latitude"])
		lon, lonOK := fhir.ToFloat(pos["longitude"])
		if !latOK || !lonOK {
			continue
		}
		s := fmt.Sprintf("%g|%g", lat, lon)
		add(IndexRow{ParamName: def.Name, ParamType: def.Type, ValueString: &s})
	}
}

// ---------------------------------------------------------------------------
// Row helpers
// ---------------------------------------------------------------------------

func stringRow(def ParamDef, s string) IndexRow {
	return IndexRow{ParamName: def.Name, ParamType: def.Type, ValueString: &s}
}

func tokenRow(def ParamDef, system, code, aux string) IndexRow {
	row := IndexRow{ParamName: def.Name, ParamType: def.Type, TokenCode: &code}
	if system != "" {
		row.TokenSystem = &system
	}
	if aux != "" {
		row.ValueString = &aux
	}
	return row
}

func rowKey(r IndexRow) string {
	var b strings.Builder
	b.WriteString(r.ParamName)
	b.WriteByte(0)
	if r.ValueString != nil {
		b.WriteString(*r.ValueString)
	}
	b.WriteByte(0)
	if r.ValueNumber != nil {
		b.WriteString(strconv.FormatFloat(*r.ValueNumber, 'g', -1, 64))
	}
	b.WriteByte(0)
	if r.ValueDate != nil {
		b.WriteString(r.ValueDate.Format(time.RFC3339))
	}
	b.WriteByte(0)
	if r.TokenSystem != nil {
		b.WriteString(*r.TokenSystem)
	}
	b.WriteByte(0)
	if r.TokenCode != nil {
		b.WriteString(*r.TokenCode)
	}
	b.WriteByte(0)
	if r.ValueRef != nil {
		b.WriteString(*r.ValueRef)
	}
	return b.String()
}
