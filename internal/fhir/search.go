package fhir

import (
	"fmt"
	"strings"
	"time"
)

// Search value prefixes per FHIR R4.
const (
	PrefixEq = "eq"
	PrefixNe = "ne"
	PrefixGt = "gt"
	PrefixLt = "lt"
	PrefixGe = "ge"
	PrefixLe = "le"
	PrefixSa = "sa"
	PrefixEb = "eb"
	PrefixAp = "ap"
)

// Search modifiers per FHIR R4.
const (
	ModifierExact      = "exact"
	ModifierContains   = "contains"
	ModifierText       = "text"
	ModifierNot        = "not"
	ModifierAbove      = "above"
	ModifierBelow      = "below"
	ModifierIn         = "in"
	ModifierNotIn      = "not-in"
	ModifierMissing    = "missing"
	ModifierIdentifier = "identifier"
)

var validPrefixes = map[string]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true,
	PrefixAp: true,
}

// ParsePrefix splits a leading two-letter comparator prefix off a date or
// number value. A prefix only counts when followed by a literal; otherwise
// the whole value is returned with prefix "eq".
func ParsePrefix(value string) (prefix, remainder string) {
	if len(value) > 2 && validPrefixes[value[:2]] {
		rest := value[2:]
		if rest[0] >= '0' && rest[0] <= '9' || rest[0] == '-' {
			return value[:2], rest
		}
	}
	return PrefixEq, value
}

// ParseModifier splits "name:modifier" into its parts. Absent modifiers
// yield an empty string.
func ParseModifier(param string) (name, modifier string) {
	parts := strings.SplitN(param, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return param, ""
}

// Token is the parsed form of a token search value.
type Token struct {
	System    string
	Code      string
	HasSystem bool // a "|" was present, so System is asserted (possibly empty)
}

// ParseToken parses the four token value forms: "code", "system|code",
// "system|", and "|code".
func ParseToken(value string) Token {
	if !strings.Contains(value, "|") {
		return Token{Code: value}
	}
	parts := strings.SplitN(value, "|", 2)
	return Token{System: parts[0], Code: parts[1], HasSystem: true}
}

// DatePrecision classifies how much of an instant a date literal specifies.
type DatePrecision int

const (
	PrecisionYear DatePrecision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionSecond
)

// DateRange is the half-open interval [Start, End) implied by a date literal
// at its stated precision.
type DateRange struct {
	Start     time.Time
	End       time.Time
	Precision DatePrecision
}

// ParseDateRange derives the half-open interval covered by a FHIR date
// literal: "2024" spans the year, "2024-02" the month, "2024-02-20" the day,
// and a full timestamp spans one second.
func ParseDateRange(value string) (DateRange, error) {
	value = strings.TrimSpace(value)

	switch len(value) {
	case 4:
		t, err := time.Parse("2006", value)
		if err != nil {
			return DateRange{}, fmt.Errorf("invalid year %q: %w", value, err)
		}
		return DateRange{Start: t, End: t.AddDate(1, 0, 0), Precision: PrecisionYear}, nil
	case 7:
		t, err := time.Parse("2006-01", value)
		if err != nil {
			return DateRange{}, fmt.Errorf("invalid month %q: %w", value, err)
		}
		return DateRange{Start: t, End: t.AddDate(0, 1, 0), Precision: PrecisionMonth}, nil
	case 10:
		t, err := time.Parse("2006-01-02", value)
		if err != nil {
			return DateRange{}, fmt.Errorf("invalid date %q: %w", value, err)
		}
		return DateRange{Start: t, End: t.AddDate(0, 0, 1), Precision: PrecisionDay}, nil
	}

	t, err := ParseFlexTime(value)
	if err != nil {
		return DateRange{}, err
	}
	return DateRange{Start: t, End: t.Add(time.Second), Precision: PrecisionSecond}, nil
}

// flexTimeFormats are the timestamp layouts accepted from resources and
// search values, tried in order.
var flexTimeFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseFlexTime parses a date or timestamp at any FHIR precision, returning
// the instant at the start of the stated period, in UTC.
func ParseFlexTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range flexTimeFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", value)
}
