package fhir

import (
	"encoding/json"
	"strconv"
	"strings"
)

// VisitObjects walks every JSON object in the tree rooted at node, depth
// first, invoking fn with the dotted field path leading to the object. Array
// elements share their parent field's path. The callback may mutate the
// object it is handed, including deleting keys.
func VisitObjects(node interface{}, fn func(path string, obj map[string]interface{})) {
	visitObjects(node, "", fn)
}

func visitObjects(node interface{}, path string, fn func(string, map[string]interface{})) {
	switch v := node.(type) {
	case map[string]interface{}:
		fn(path, v)
		for k, child := range v {
			visitObjects(child, joinPath(path, k), fn)
		}
	case []interface{}:
		for _, item := range v {
			visitObjects(item, path, fn)
		}
	}
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

// GetPath resolves a dotted path ("code.coding") through nested maps.
// Arrays terminate resolution; use EachObject for array fields.
func GetPath(res map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = res
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString resolves a dotted path to a string value.
func GetString(res map[string]interface{}, path string) (string, bool) {
	v, ok := GetPath(res, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetMap resolves a dotted path to an object value.
func GetMap(res map[string]interface{}, path string) (map[string]interface{}, bool) {
	v, ok := GetPath(res, path)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

// GetSlice resolves a dotted path to an array value.
func GetSlice(res map[string]interface{}, path string) ([]interface{}, bool) {
	v, ok := GetPath(res, path)
	if !ok {
		return nil, false
	}
	s, ok := v.([]interface{})
	return s, ok
}

// GetNumber resolves a dotted path to a numeric value, coercing JSON number
// representations and numeric strings.
func GetNumber(res map[string]interface{}, path string) (float64, bool) {
	v, ok := GetPath(res, path)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// ToFloat coerces a JSON value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsSlice normalizes a field value that may be a single object or an array
// into an array. Nil input yields nil.
func AsSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return s
	default:
		return []interface{}{v}
	}
}

// EachObject iterates over the objects held at a field, tolerating both
// single-object and array-of-object shapes.
func EachObject(res map[string]interface{}, field string, fn func(obj map[string]interface{})) {
	for _, item := range AsSlice(res[field]) {
		if m, ok := item.(map[string]interface{}); ok {
			fn(m)
		}
	}
}

// Choice is the internal representation of a FHIR polymorphic field
// (value[x], effective[x], …): the type suffix plus the raw value.
type Choice struct {
	Kind  string
	Value interface{}
}

// FindChoice locates a polymorphic field by its base name. For base "value"
// it matches keys like valueQuantity or valueString and returns the suffix
// as Kind ("Quantity", "String"). A key exactly equal to the base matches
// with an empty Kind.
func FindChoice(res map[string]interface{}, base string) (Choice, bool) {
	if v, ok := res[base]; ok {
		return Choice{Kind: "", Value: v}, true
	}
	for k, v := range res {
		if len(k) > len(base) && strings.HasPrefix(k, base) && isUpper(k[len(base)]) {
			return Choice{Kind: k[len(base):], Value: v}, true
		}
	}
	return Choice{}, false
}

// RenameChoice moves a polymorphic field from one base name to another,
// preserving the type suffix. Returns true when a field was moved.
func RenameChoice(res map[string]interface{}, fromBase, toBase string) bool {
	if v, ok := res[fromBase]; ok {
		delete(res, fromBase)
		res[toBase] = v
		return true
	}
	for k, v := range res {
		if len(k) > len(fromBase) && strings.HasPrefix(k, fromBase) && isUpper(k[len(fromBase)]) {
			delete(res, k)
			res[toBase+k[len(fromBase):]] = v
			return true
		}
	}
	return false
}

func isUpper(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// DeepCopy clones a raw resource via a JSON round trip.
func DeepCopy(res map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
