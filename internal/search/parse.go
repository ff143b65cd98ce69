package search

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
)

// Predicate is one typed search condition: a parameter with its modifier and
// comma-joined OR values, or a chained / reverse-chained expression. A
// repeated parameter in the query string yields one predicate per occurrence,
// all of which must hold.
type Predicate struct {
	Name     string
	Def      ParamDef
	Modifier string
	Target   string // reference target restriction from a :Type modifier
	Values   []string
	Missing  *bool
	Chain    *ChainSpec
	Has      *HasSpec
}

// ChainSpec carries a chained expression such as subject:Patient.name=John:
// the target type of the first hop and the remaining dotted expression.
type ChainSpec struct {
	TargetType string
	Expr       string
	Value      string
}

// HasSpec carries a reverse chain such as _has:Observation:patient:code=X:
// the referencing type, the reference parameter pointing back at the searched
// type, and the expression applied to the referencing resources. Expr may
// itself be another _has clause.
type HasSpec struct {
	SourceType string
	RefParam   string
	Expr       string
	Value      string
}

// IncludeSpec is a parsed _include or _revinclude directive.
type IncludeSpec struct {
	Source string
	Param  string
	Target string
	Raw    string
}

// SortSpec is one _sort directive. A leading "-" in the query selects
// descending order.
type SortSpec struct {
	Param string
	Desc  bool
}

// Options carries the result parameters of a search. Count is -1 when the
// query did not set a usable _count.
type Options struct {
	Count       int
	Offset      int
	Sort        []SortSpec
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Summary     string
	Elements    []string
}

// resultParams are consumed for result shaping rather than matching. The
// trailing entries are accepted and ignored.
var resultParams = map[string]bool{
	"_count":      true,
	"_offset":     true,
	"_sort":       true,
	"_include":    true,
	"_revinclude": true,
	"_summary":    true,
	"_elements":   true,
	"_total":      true,
	"_format":     true,
	"_pretty":     true,
}

// allowedModifiers lists the matching modifiers honored per parameter type.
// :missing and reference :Type restrictions are handled separately.
var allowedModifiers = map[ParamType]map[string]bool{
	TypeString: {fhir.ModifierExact: true, fhir.ModifierContains: true},
	TypeToken:  {fhir.ModifierText: true, fhir.ModifierNot: true, fhir.ModifierAbove: true, fhir.ModifierBelow: true},
	TypeURI:    {fhir.ModifierBelow: true},
}

// Parser turns raw query strings into typed predicates against the declared
// parameter registry. Unknown parameters and unsupported modifiers are
// dropped with a debug log, never an error: a search with surviving
// predicates stays valid.
type Parser struct {
	log zerolog.Logger
}

func NewParser(log zerolog.Logger) *Parser {
	return &Parser{log: log.With().Str("component", "search-parser").Logger()}
}

// Parse maps a query string onto predicates and result options for the given
// resource type. Keys are processed in sorted order so compiled SQL is
// deterministic for a given URL.
func (p *Parser) Parse(resourceType string, query url.Values) ([]Predicate, Options) {
	opts := Options{Count: -1}
	var preds []Predicate

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range query[key] {
			if resultParams[key] {
				p.resultParam(resourceType, &opts, key, value)
				continue
			}
			if strings.HasPrefix(key, "_has:") {
				if pred, ok := p.parseHas(key, value); ok {
					preds = append(preds, pred)
				}
				continue
			}
			if dot := strings.Index(key, "."); dot >= 0 {
				if pred, ok := p.parseChain(resourceType, key, dot, value); ok {
					preds = append(preds, pred)
				}
				continue
			}
			if pred, ok := p.parsePlain(resourceType, key, value); ok {
				preds = append(preds, pred)
			}
		}
	}
	return preds, opts
}

func (p *Parser) parsePlain(resourceType, key, value string) (Predicate, bool) {
	name, mod := fhir.ParseModifier(key)
	def, ok := Lookup(resourceType, name)
	if !ok {
		p.log.Debug().Str("resourceType", resourceType).Str("param", name).Msg("dropping unknown search parameter")
		return Predicate{}, false
	}

	pred := Predicate{Name: name, Def: def}
	switch {
	case mod == "":
	case mod == fhir.ModifierMissing:
		missing := value == "true"
		pred.Missing = &missing
		return pred, true
	case def.Type == TypeReference && fhir.IsKnownResourceType(mod):
		pred.Target = mod
	case allowedModifiers[def.Type][mod]:
		pred.Modifier = mod
	default:
		p.log.Debug().Str("param", key).Str("modifier", mod).Msg("dropping unsupported modifier")
		return Predicate{}, false
	}

	if value == "" {
		return Predicate{}, false
	}
	pred.Values = strings.Split(value, ",")
	return pred, true
}

func (p *Parser) parseChain(resourceType, key string, dot int, value string) (Predicate, bool) {
	if strings.Count(key, ".") > maxChainDepth {
		p.log.Debug().Str("param", key).Msg("dropping chain beyond depth limit")
		return Predicate{}, false
	}

	head, rest := key[:dot], key[dot+1:]
	if rest == "" || value == "" {
		return Predicate{}, false
	}
	name, typeMod := fhir.ParseModifier(head)
	def, ok := Lookup(resourceType, name)
	if !ok || def.Type != TypeReference {
		p.log.Debug().Str("resourceType", resourceType).Str("param", key).Msg("dropping chain on unknown reference parameter")
		return Predicate{}, false
	}

	target := def.Target
	if typeMod != "" {
		if !fhir.IsKnownResourceType(typeMod) {
			p.log.Debug().Str("param", key).Str("type", typeMod).Msg("dropping chain with unknown target type")
			return Predicate{}, false
		}
		target = typeMod
	}
	if target == "" {
		p.log.Debug().Str("param", key).Msg("dropping chain with unresolved target type")
		return Predicate{}, false
	}

	return Predicate{
		Name:  name,
		Def:   def,
		Chain: &ChainSpec{TargetType: target, Expr: rest, Value: value},
	}, true
}

func (p *Parser) parseHas(key, value string) (Predicate, bool) {
	srcType, refParam, expr, ok := splitHas(key)
	if !ok || value == "" {
		p.log.Debug().Str("param", key).Msg("dropping malformed _has parameter")
		return Predicate{}, false
	}
	if !fhir.IsKnownResourceType(srcType) {
		p.log.Debug().Str("param", key).Str("type", srcType).Msg("dropping _has with unknown source type")
		return Predicate{}, false
	}
	refDef, ok := Lookup(srcType, refParam)
	if !ok || refDef.Type != TypeReference {
		p.log.Debug().Str("param", key).Str("refParam", refParam).Msg("dropping _has on non-reference parameter")
		return Predicate{}, false
	}
	return Predicate{
		Name: key,
		Has:  &HasSpec{SourceType: srcType, RefParam: refParam, Expr: expr, Value: value},
	}, true
}

func (p *Parser) resultParam(resourceType string, opts *Options, key, value string) {
	switch key {
	case "_count":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			opts.Count = n
		} else {
			p.log.Debug().Str("value", value).Msg("ignoring unparseable _count")
		}
	case "_offset":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			opts.Offset = n
		}
	case "_sort":
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			spec := SortSpec{Param: field}
			if strings.HasPrefix(field, "-") {
				spec.Desc = true
				spec.Param = field[1:]
			}
			if spec.Param != "" {
				opts.Sort = append(opts.Sort, spec)
			}
		}
	case "_include":
		if spec, ok := p.parseInclude(resourceType, value, false); ok {
			opts.Includes = append(opts.Includes, spec)
		}
	case "_revinclude":
		if spec, ok := p.parseInclude(resourceType, value, true); ok {
			opts.RevIncludes = append(opts.RevIncludes, spec)
		}
	case "_summary":
		opts.Summary = value
	case "_elements":
		for _, el := range strings.Split(value, ",") {
			if el = strings.TrimSpace(el); el != "" {
				opts.Elements = append(opts.Elements, el)
			}
		}
	}
}

// parseInclude validates a Source:param[:Target] directive. For _include the
// source must be the searched type; for _revinclude it names the referencing
// type. Either way the parameter must be a declared reference parameter on
// the source.
func (p *Parser) parseInclude(resourceType, value string, rev bool) (IncludeSpec, bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		p.log.Debug().Str("value", value).Msg("dropping malformed include directive")
		return IncludeSpec{}, false
	}
	spec := IncludeSpec{Source: parts[0], Param: parts[1], Raw: value}
	if len(parts) == 3 {
		spec.Target = parts[2]
	}

	if !rev && spec.Source != resourceType {
		p.log.Debug().Str("value", value).Msg("dropping _include for a different source type")
		return IncludeSpec{}, false
	}
	if rev && !fhir.IsKnownResourceType(spec.Source) {
		p.log.Debug().Str("value", value).Msg("dropping _revinclude with unknown source type")
		return IncludeSpec{}, false
	}

	// Target stays empty unless the directive wrote one: an unqualified
	// include follows every reachable target type.
	def, ok := Lookup(spec.Source, spec.Param)
	if !ok || def.Type != TypeReference {
		p.log.Debug().Str("value", value).Msg("dropping include on non-reference parameter")
		return IncludeSpec{}, false
	}
	return spec, true
}
