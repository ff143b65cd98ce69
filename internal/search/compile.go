package search

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
)

// Paging bounds. Variables so the server can tune them from configuration
// at startup; SetPageBounds is the only sanctioned writer.
var (
	DefaultCount = 100
	MaxCount     = 1000
)

const maxChainDepth = 3

// SetPageBounds overrides the default and maximum page sizes. Values that
// would make paging nonsensical are ignored.
func SetPageBounds(def, max int) {
	if def < 1 || max < def {
		return
	}
	DefaultCount = def
	MaxCount = max
}

// Query is a compiled search: the data statement with trailing LIMIT/OFFSET
// binds, and the companion count statement sharing the predicate binds.
type Query struct {
	SQL      string
	CountSQL string
	args     []interface{}
	limit    int
	offset   int
}

// Args returns the bind arguments for the data statement.
func (q *Query) Args() []interface{} {
	out := make([]interface{}, len(q.args)+2)
	copy(out, q.args)
	out[len(q.args)] = q.limit
	out[len(q.args)+1] = q.offset
	return out
}

// CountArgs returns the bind arguments for the count statement.
func (q *Query) CountArgs() []interface{} { return q.args }

func (q *Query) Limit() int  { return q.limit }
func (q *Query) Offset() int { return q.offset }

// sqlBuilder accumulates positional bind arguments and hands out unique
// table aliases for nested subqueries.
type sqlBuilder struct {
	args []interface{}
	n    int
}

func (b *sqlBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func (b *sqlBuilder) spAlias() string {
	b.n++
	return "sp" + strconv.Itoa(b.n)
}

func (b *sqlBuilder) resAlias() string {
	b.n++
	return "r" + strconv.Itoa(b.n)
}

// Compiler turns typed predicates into SQL over the resources and
// search_params tables. Predicates that cannot be compiled are dropped with
// a debug log so the rest of the search still runs.
type Compiler struct {
	log zerolog.Logger
}

func NewCompiler(log zerolog.Logger) *Compiler {
	return &Compiler{log: log.With().Str("component", "search-compiler").Logger()}
}

// Compile builds the data and count statements for a search. Every surviving
// predicate becomes one conjunct; values within a predicate are OR-joined.
func (c *Compiler) Compile(resourceType string, preds []Predicate, opts Options) *Query {
	b := &sqlBuilder{}
	conds := []string{
		fmt.Sprintf("r.resource_type = %s", b.bind(resourceType)),
		"r.deleted = FALSE",
	}
	for _, pred := range preds {
		if clause := c.predicateClause(b, "r", resourceType, pred, 0); clause != "" {
			conds = append(conds, clause)
		}
	}
	where := strings.Join(conds, " AND ")

	limit := opts.Count
	switch {
	case limit < 0:
		limit = DefaultCount
	case limit > MaxCount:
		limit = MaxCount
	}

	sql := "SELECT r.resource_type, r.fhir_id, r.version_id, r.last_updated, r.resource FROM resources r WHERE " +
		where +
		" ORDER BY " + c.orderClause(resourceType, opts.Sort) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(b.args)+1, len(b.args)+2)

	return &Query{
		SQL:      sql,
		CountSQL: "SELECT COUNT(*) FROM resources r WHERE " + where,
		args:     b.args,
		limit:    limit,
		offset:   opts.Offset,
	}
}

// ---------------------------------------------------------------------------
// Predicate compilation
// ---------------------------------------------------------------------------

func (c *Compiler) predicateClause(b *sqlBuilder, rAlias, resourceType string, pred Predicate, depth int) string {
	switch {
	case pred.Has != nil:
		return c.hasClause(b, rAlias, *pred.Has, depth)
	case pred.Chain != nil:
		return c.chainClause(b, rAlias, pred, depth)
	case pred.Missing != nil:
		return c.missingClause(b, rAlias, pred)
	}

	switch pred.Def.Type {
	case TypeComposite:
		return c.compositeClause(b, rAlias, resourceType, pred)
	case TypeQuantity:
		return c.quantityClause(b, rAlias, pred)
	case TypeSpecial:
		c.log.Debug().Str("param", pred.Name).Msg("dropping unsupported special parameter")
		return ""
	}

	switch pred.Name {
	case "_id":
		return c.idClause(b, rAlias, pred)
	case "_lastUpdated":
		return c.lastUpdatedClause(b, rAlias, pred)
	}
	return c.indexClause(b, rAlias, pred)
}

// _id compiles directly against the resources table.
func (c *Compiler) idClause(b *sqlBuilder, rAlias string, pred Predicate) string {
	parts := make([]string, 0, len(pred.Values))
	for _, v := range pred.Values {
		parts = append(parts, fmt.Sprintf("%s.fhir_id = %s", rAlias, b.bind(v)))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// _lastUpdated compiles against the last_updated column rather than the
// index.
func (c *Compiler) lastUpdatedClause(b *sqlBuilder, rAlias string, pred Predicate) string {
	var parts []string
	for _, v := range pred.Values {
		if cl := c.dateClause(b, rAlias+".last_updated", v); cl != "" {
			parts = append(parts, cl)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (c *Compiler) missingClause(b *sqlBuilder, rAlias string, pred Predicate) string {
	sp := b.spAlias()
	exists := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_params %s WHERE %s.resource_id = %s.storage_key AND %s.param_name = %s)",
		sp, sp, rAlias, sp, b.bind(pred.Name))
	if *pred.Missing {
		return "NOT " + exists
	}
	return exists
}

// indexClause wraps the value disjunction in an EXISTS over the predicate's
// index rows. The :not modifier inverts the whole subquery.
func (c *Compiler) indexClause(b *sqlBuilder, rAlias string, pred Predicate) string {
	sp := b.spAlias()
	nameBind := b.bind(pred.Name)

	var parts []string
	for _, v := range pred.Values {
		if cl := c.valueClause(b, sp, pred, v); cl != "" {
			parts = append(parts, cl)
		}
	}
	if len(parts) == 0 {
		c.log.Debug().Str("param", pred.Name).Msg("dropping predicate with no usable values")
		return ""
	}

	clause := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_params %s WHERE %s.resource_id = %s.storage_key AND %s.param_name = %s AND (%s))",
		sp, sp, rAlias, sp, nameBind, strings.Join(parts, " OR "))
	if pred.Modifier == fhir.ModifierNot {
		return "NOT " + clause
	}
	return clause
}

func (c *Compiler) valueClause(b *sqlBuilder, sp string, pred Predicate, value string) string {
	switch pred.Def.Type {
	case TypeString:
		return c.stringValue(b, sp, pred.Modifier, value)
	case TypeToken:
		return c.tokenValue(b, sp, pred.Modifier, value)
	case TypeDate:
		return c.dateClause(b, sp+".value_date", value)
	case TypeNumber:
		return c.numberValue(b, sp+".value_number", value)
	case TypeReference:
		return c.referenceValue(b, sp, pred, value)
	case TypeURI:
		return c.uriValue(b, sp, pred.Modifier, value)
	}
	return ""
}

func (c *Compiler) stringValue(b *sqlBuilder, sp, modifier, value string) string {
	col := sp + ".value_string"
	if modifier == fhir.ModifierExact {
		return fmt.Sprintf("%s = %s", col, b.bind(value))
	}
	return fmt.Sprintf("%s ILIKE %s", col, b.bind("%"+value+"%"))
}

func (c *Compiler) tokenValue(b *sqlBuilder, sp, modifier, value string) string {
	sysCol := sp + ".value_token_system"
	codeCol := sp + ".value_token_code"

	switch modifier {
	case fhir.ModifierText:
		return fmt.Sprintf("%s.value_string ILIKE %s", sp, b.bind("%"+value+"%"))
	case fhir.ModifierBelow:
		return fmt.Sprintf("%s LIKE %s", codeCol, b.bind(value+"%"))
	case fhir.ModifierAbove:
		return fmt.Sprintf("%s LIKE %s || '%%'", b.bind(value), codeCol)
	}

	tok := fhir.ParseToken(value)
	switch {
	case tok.HasSystem && tok.System != "" && tok.Code != "":
		return fmt.Sprintf("(%s = %s AND %s = %s)", sysCol, b.bind(tok.System), codeCol, b.bind(tok.Code))
	case tok.HasSystem && tok.System == "" && tok.Code != "":
		return fmt.Sprintf("(%s IS NULL AND %s = %s)", sysCol, codeCol, b.bind(tok.Code))
	case tok.HasSystem && tok.Code == "":
		return fmt.Sprintf("%s = %s", sysCol, b.bind(tok.System))
	case tok.Code != "":
		return fmt.Sprintf("%s = %s", codeCol, b.bind(tok.Code))
	}
	return ""
}

func (c *Compiler) dateClause(b *sqlBuilder, col, value string) string {
	prefix, lit := fhir.ParsePrefix(value)
	r, err := fhir.ParseDateRange(lit)
	if err != nil {
		c.log.Debug().Str("value", value).Msg("skipping unparseable date value")
		return ""
	}
	switch prefix {
	case fhir.PrefixEq:
		return fmt.Sprintf("(%s >= %s AND %s < %s)", col, b.bind(r.Start), col, b.bind(r.End))
	case fhir.PrefixNe:
		return fmt.Sprintf("(%s < %s OR %s >= %s)", col, b.bind(r.Start), col, b.bind(r.End))
	case fhir.PrefixLt, fhir.PrefixEb:
		return fmt.Sprintf("%s < %s", col, b.bind(r.Start))
	case fhir.PrefixLe:
		return fmt.Sprintf("%s < %s", col, b.bind(r.End))
	case fhir.PrefixGt, fhir.PrefixSa:
		return fmt.Sprintf("%s >= %s", col, b.bind(r.End))
	case fhir.PrefixGe:
		return fmt.Sprintf("%s >= %s", col, b.bind(r.Start))
	case fhir.PrefixAp:
		return fmt.Sprintf("(%s >= %s AND %s < %s)",
			col, b.bind(r.Start.Add(-24*time.Hour)), col, b.bind(r.End.Add(24*time.Hour)))
	}
	return ""
}

func (c *Compiler) numberValue(b *sqlBuilder, expr, value string) string {
	prefix, lit := fhir.ParsePrefix(value)
	num, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		c.log.Debug().Str("value", value).Msg("skipping unparseable number value")
		return ""
	}
	return c.compareNumber(b, expr, prefix, num)
}

func (c *Compiler) compareNumber(b *sqlBuilder, expr, prefix string, num float64) string {
	switch prefix {
	case fhir.PrefixEq:
		return fmt.Sprintf("%s = %s", expr, b.bind(num))
	case fhir.PrefixNe:
		return fmt.Sprintf("%s <> %s", expr, b.bind(num))
	case fhir.PrefixLt, fhir.PrefixEb:
		return fmt.Sprintf("%s < %s", expr, b.bind(num))
	case fhir.PrefixLe:
		return fmt.Sprintf("%s <= %s", expr, b.bind(num))
	case fhir.PrefixGt, fhir.PrefixSa:
		return fmt.Sprintf("%s > %s", expr, b.bind(num))
	case fhir.PrefixGe:
		return fmt.Sprintf("%s >= %s", expr, b.bind(num))
	case fhir.PrefixAp:
		margin := math.Abs(num) * 0.1
		return fmt.Sprintf("(%s >= %s AND %s <= %s)", expr, b.bind(num-margin), expr, b.bind(num+margin))
	}
	return ""
}

// referenceValue matches all stored forms of a reference: the bare id in
// value_reference, the Type/id string, and the urn:uuid string. The Type arm
// uses, in order, the type written in the value, the :Type modifier, and the
// parameter's declared target.
func (c *Compiler) referenceValue(b *sqlBuilder, sp string, pred Predicate, value string) string {
	ref := fhir.ParseReference(value)
	var id, typ string
	switch ref.Kind {
	case fhir.RefTypeID, fhir.RefURL:
		id, typ = ref.ID, ref.Type
	case fhir.RefUrnUUID:
		id = ref.ID
	case fhir.RefInvalid:
		if !fhir.IsValidID(value) {
			return ""
		}
		id = value
	default:
		return ""
	}
	if typ == "" {
		typ = pred.Target
	}
	if typ == "" {
		typ = pred.Def.Target
	}

	arms := []string{fmt.Sprintf("%s.value_reference = %s", sp, b.bind(id))}
	if typ != "" && typ != "Resource" {
		arms = append(arms, fmt.Sprintf("%s.value_string = %s", sp, b.bind(typ+"/"+id)))
	}
	arms = append(arms, fmt.Sprintf("%s.value_string = %s", sp, b.bind("urn:uuid:"+id)))
	return "(" + strings.Join(arms, " OR ") + ")"
}

func (c *Compiler) uriValue(b *sqlBuilder, sp, modifier, value string) string {
	col := sp + ".value_string"
	if modifier == fhir.ModifierBelow {
		return fmt.Sprintf("%s LIKE %s", col, b.bind(value+"%"))
	}
	return fmt.Sprintf("%s = %s", col, b.bind(value))
}

// quantityClause compiles against the quantity object inside the resource
// blob rather than the flattened index, so unit and system stay adjacent to
// the compared value.
func (c *Compiler) quantityClause(b *sqlBuilder, rAlias string, pred Predicate) string {
	if len(pred.Def.Paths) == 0 {
		return ""
	}
	base := jsonbPath(rAlias, pred.Def.Paths[0])
	valExpr := "(" + base + "->>'value')::numeric"

	var parts []string
	for _, v := range pred.Values {
		prefix, lit := fhir.ParsePrefix(v)
		numLit, sys, code := lit, "", ""
		if strings.Contains(lit, "|") {
			segs := strings.SplitN(lit, "|", 3)
			numLit = segs[0]
			if len(segs) > 1 {
				sys = segs[1]
			}
			if len(segs) > 2 {
				code = segs[2]
			}
		}
		num, err := strconv.ParseFloat(numLit, 64)
		if err != nil {
			c.log.Debug().Str("param", pred.Name).Str("value", v).Msg("skipping unparseable quantity value")
			continue
		}
		cl := c.compareNumber(b, valExpr, prefix, num)
		if cl == "" {
			continue
		}
		if sys != "" {
			cl += fmt.Sprintf(" AND %s->>'system' = %s", base, b.bind(sys))
		}
		if code != "" {
			cl += fmt.Sprintf(" AND (%s->>'code' = %s OR %s->>'unit' = %s)", base, b.bind(code), base, b.bind(code))
		}
		parts = append(parts, "("+cl+")")
	}
	if len(parts) == 0 {
		c.log.Debug().Str("param", pred.Name).Msg("dropping quantity predicate with no usable values")
		return ""
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// compositeClause expands component$component values into a conjunction of
// the underlying parameters. Comma-separated pairs stay OR-joined.
func (c *Compiler) compositeClause(b *sqlBuilder, rAlias, resourceType string, pred Predicate) string {
	var orParts []string
	for _, v := range pred.Values {
		comps := strings.Split(v, "$")
		var andParts []string
		usable := true
		for i, comp := range comps {
			if i >= len(pred.Def.Components) {
				break
			}
			if comp == "" {
				continue
			}
			def, ok := Lookup(resourceType, pred.Def.Components[i])
			if !ok {
				usable = false
				break
			}
			sub := Predicate{Name: def.Name, Def: def, Values: []string{comp}}
			cl := c.predicateClause(b, rAlias, resourceType, sub, 0)
			if cl == "" {
				usable = false
				break
			}
			andParts = append(andParts, cl)
		}
		if usable && len(andParts) > 0 {
			orParts = append(orParts, "("+strings.Join(andParts, " AND ")+")")
		}
	}
	if len(orParts) == 0 {
		c.log.Debug().Str("param", pred.Name).Msg("dropping composite predicate with no usable values")
		return ""
	}
	return "(" + strings.Join(orParts, " OR ") + ")"
}

// ---------------------------------------------------------------------------
// Chains and _has
// ---------------------------------------------------------------------------

// chainClause joins the reference parameter's index rows to the target
// resource set by bare id, then applies the remaining expression to the
// targets. value_reference holds the id for every stored reference form, so
// one equality covers Type/id and urn:uuid references alike.
func (c *Compiler) chainClause(b *sqlBuilder, rAlias string, pred Predicate, depth int) string {
	if depth >= maxChainDepth {
		c.log.Debug().Str("param", pred.Name).Msg("dropping chain beyond depth limit")
		return ""
	}
	spec := pred.Chain
	rt := b.resAlias()
	inner := c.chainTerminal(b, rt, spec.TargetType, spec.Expr, spec.Value, depth)
	if inner == "" {
		return ""
	}
	sp := b.spAlias()
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_params %s WHERE %s.resource_id = %s.storage_key AND %s.param_name = %s AND %s.value_reference IN "+
			"(SELECT %s.fhir_id FROM resources %s WHERE %s.resource_type = %s AND %s.deleted = FALSE AND %s))",
		sp, sp, rAlias, sp, b.bind(pred.Name), sp,
		rt, rt, rt, b.bind(spec.TargetType), rt, inner)
}

// chainTerminal compiles the tail of a chain expression against the target
// type: either another reference hop or a plain parameter with an optional
// modifier.
func (c *Compiler) chainTerminal(b *sqlBuilder, rAlias, resourceType, expr, value string, depth int) string {
	if dot := strings.Index(expr, "."); dot >= 0 {
		head, rest := expr[:dot], expr[dot+1:]
		name, typeMod := fhir.ParseModifier(head)
		def, ok := Lookup(resourceType, name)
		if !ok || def.Type != TypeReference {
			c.log.Debug().Str("resourceType", resourceType).Str("expr", expr).Msg("dropping chain hop on unknown reference parameter")
			return ""
		}
		target := def.Target
		if typeMod != "" && fhir.IsKnownResourceType(typeMod) {
			target = typeMod
		}
		if target == "" {
			c.log.Debug().Str("expr", expr).Msg("dropping chain hop with unresolved target type")
			return ""
		}
		next := Predicate{
			Name:  name,
			Def:   def,
			Chain: &ChainSpec{TargetType: target, Expr: rest, Value: value},
		}
		return c.chainClause(b, rAlias, next, depth+1)
	}

	name, mod := fhir.ParseModifier(expr)
	def, ok := Lookup(resourceType, name)
	if !ok {
		c.log.Debug().Str("resourceType", resourceType).Str("param", name).Msg("dropping chain tail on unknown parameter")
		return ""
	}
	pred := Predicate{Name: name, Def: def}
	switch {
	case mod == "":
	case mod == fhir.ModifierMissing:
		missing := value == "true"
		pred.Missing = &missing
	case def.Type == TypeReference && fhir.IsKnownResourceType(mod):
		pred.Target = mod
	case allowedModifiers[def.Type][mod]:
		pred.Modifier = mod
	default:
		c.log.Debug().Str("param", expr).Str("modifier", mod).Msg("dropping chain tail with unsupported modifier")
		return ""
	}
	if pred.Missing == nil {
		pred.Values = strings.Split(value, ",")
	}
	return c.predicateClause(b, rAlias, resourceType, pred, depth+1)
}

// hasClause selects resources for which a referencing resource exists whose
// reference parameter points back at the current row and whose own search
// expression matches. Expr may nest another _has.
func (c *Compiler) hasClause(b *sqlBuilder, rAlias string, has HasSpec, depth int) string {
	if depth >= maxChainDepth {
		c.log.Debug().Str("type", has.SourceType).Msg("dropping _has beyond depth limit")
		return ""
	}
	rh := b.resAlias()

	var inner string
	if strings.HasPrefix(has.Expr, "_has:") {
		src, refParam, expr, ok := splitHas(has.Expr)
		if !ok || !fhir.IsKnownResourceType(src) {
			c.log.Debug().Str("expr", has.Expr).Msg("dropping malformed nested _has")
			return ""
		}
		refDef, ok := Lookup(src, refParam)
		if !ok || refDef.Type != TypeReference {
			c.log.Debug().Str("expr", has.Expr).Msg("dropping nested _has on non-reference parameter")
			return ""
		}
		inner = c.hasClause(b, rh, HasSpec{SourceType: src, RefParam: refParam, Expr: expr, Value: has.Value}, depth+1)
	} else {
		inner = c.chainTerminal(b, rh, has.SourceType, has.Expr, has.Value, depth)
	}
	if inner == "" {
		return ""
	}

	spr := b.spAlias()
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM resources %s WHERE %s.resource_type = %s AND %s.deleted = FALSE AND EXISTS "+
			"(SELECT 1 FROM search_params %s WHERE %s.resource_id = %s.storage_key AND %s.param_name = %s AND %s.value_reference = %s.fhir_id) AND %s)",
		rh, rh, b.bind(has.SourceType), rh,
		spr, spr, rh, spr, b.bind(has.RefParam), spr, rAlias, inner)
}

// splitHas breaks "_has:Type:refParam:expr" into its parts. expr may itself
// be another _has clause.
func splitHas(key string) (src, refParam, expr string, ok bool) {
	if !strings.HasPrefix(key, "_has:") {
		return "", "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(key, "_has:"), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

// orderClause builds the ORDER BY list. Index-backed sort keys use a scalar
// subquery over the parameter's rows; last_updated DESC is always the final
// tiebreak. Sort parameter names are registry-validated before being
// inlined.
func (c *Compiler) orderClause(resourceType string, sorts []SortSpec) string {
	var parts []string
	sawLastUpdated := false
	for _, s := range sorts {
		dir := " ASC"
		if s.Desc {
			dir = " DESC"
		}
		switch s.Param {
		case "_lastUpdated":
			parts = append(parts, "r.last_updated"+dir)
			sawLastUpdated = true
			continue
		case "_id":
			parts = append(parts, "r.fhir_id"+dir)
			continue
		}
		def, ok := Lookup(resourceType, s.Param)
		if !ok {
			c.log.Debug().Str("resourceType", resourceType).Str("param", s.Param).Msg("ignoring unknown sort parameter")
			continue
		}
		col, ok := sortColumn(def.Type)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf(
			"(SELECT MIN(ss.%s) FROM search_params ss WHERE ss.resource_id = r.storage_key AND ss.param_name = '%s')%s NULLS LAST",
			col, s.Param, dir))
	}
	if !sawLastUpdated {
		parts = append(parts, "r.last_updated DESC")
	}
	return strings.Join(parts, ", ")
}

func sortColumn(t ParamType) (string, bool) {
	switch t {
	case TypeString, TypeURI:
		return "value_string", true
	case TypeToken:
		return "value_token_code", true
	case TypeDate:
		return "value_date", true
	case TypeNumber, TypeQuantity:
		return "value_number", true
	case TypeReference:
		return "value_reference", true
	}
	return "", false
}

func jsonbPath(rAlias, path string) string {
	expr := rAlias + ".resource"
	for _, seg := range strings.Split(path, ".") {
		expr += "->'" + seg + "'"
	}
	return expr
}
