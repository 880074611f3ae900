package staging

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/carelattice/warehouse/pkg/schema"
)

// Canonical temporal formats. Anything else is a coercion failure, not a
// lenient parse.
const (
	DateFormat      = "2006-01-02"
	TimestampFormat = "2006-01-02 15:04:05"
)

// CoercionError reports a staged value that could not be typed. It is a
// row-level data problem consumed by the validation engine, never an
// exception path.
type CoercionError struct {
	Field string
	Value string
	Kind  schema.Kind
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("invalid %s value for %s: %q", e.Kind, e.Field, e.Value)
}

// IsMissing reports whether a raw staged value denotes "missing". Empty
// string and the literal null are equivalent.
func IsMissing(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return trimmed == "" || strings.EqualFold(trimmed, "null")
}

// Date coerces a raw value to a calendar date. Missing values yield
// (nil, nil).
func Date(field, raw string) (*time.Time, *CoercionError) {
	if IsMissing(raw) {
		return nil, nil
	}
	t, err := time.Parse(DateFormat, strings.TrimSpace(raw))
	if err != nil {
		return nil, &CoercionError{Field: field, Value: raw, Kind: schema.KindDate}
	}
	return &t, nil
}

// Timestamp coerces a raw value to a point in time.
func Timestamp(field, raw string) (*time.Time, *CoercionError) {
	if IsMissing(raw) {
		return nil, nil
	}
	t, err := time.Parse(TimestampFormat, strings.TrimSpace(raw))
	if err != nil {
		return nil, &CoercionError{Field: field, Value: raw, Kind: schema.KindTimestamp}
	}
	return &t, nil
}

// Decimal coerces a raw value to a float. Non-numeric text is rejected
// rather than truncated.
func Decimal(field, raw string) (*float64, *CoercionError) {
	if IsMissing(raw) {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, &CoercionError{Field: field, Value: raw, Kind: schema.KindDecimal}
	}
	return &f, nil
}

// Integer coerces a raw value to an int64.
func Integer(field, raw string) (*int64, *CoercionError) {
	if IsMissing(raw) {
		return nil, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, &CoercionError{Field: field, Value: raw, Kind: schema.KindInteger}
	}
	return &n, nil
}

// BoundedString coerces a raw value to a length-bounded string. A
// maxLen of zero means unbounded.
func BoundedString(field, raw string, maxLen int) (*string, *CoercionError) {
	if IsMissing(raw) {
		return nil, nil
	}
	trimmed := strings.TrimSpace(raw)
	if maxLen > 0 && len(trimmed) > maxLen {
		return nil, &CoercionError{Field: field, Value: raw, Kind: schema.KindString}
	}
	return &trimmed, nil
}

// Coerce applies the field's declared kind. The first return value is
// nil when the raw value is missing or invalid; callers distinguish the
// two via the error.
func Coerce(f schema.Field, raw string) (interface{}, *CoercionError) {
	switch f.Kind {
	case schema.KindDate:
		v, err := Date(f.Name, raw)
		if v == nil {
			return nil, err
		}
		return *v, nil
	case schema.KindTimestamp:
		v, err := Timestamp(f.Name, raw)
		if v == nil {
			return nil, err
		}
		return *v, nil
	case schema.KindDecimal:
		v, err := Decimal(f.Name, raw)
		if v == nil {
			return nil, err
		}
		return *v, nil
	case schema.KindInteger:
		v, err := Integer(f.Name, raw)
		if v == nil {
			return nil, err
		}
		return *v, nil
	default:
		v, err := BoundedString(f.Name, raw, f.MaxLen)
		if v == nil {
			return nil, err
		}
		return *v, nil
	}
}
