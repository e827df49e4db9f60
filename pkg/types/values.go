package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalize coerces a raw value into the canonical Go representation for the
// given column type: string, int64, float64, bool, or int64 epoch millis for
// timestamps. Inputs may come from Go callers (int, time.Time), decoded JSON
// (float64, json.Number, string), or SQLite scans (int64, []byte).
func Normalize(v interface{}, t ColumnType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if x == float64(int64(x)) {
				return int64(x), nil
			}
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i, nil
			}
		}
	case TypeDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
				return f, nil
			}
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
				return b, nil
			}
		}
	case TypeTimestamp:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case float64:
			return int64(x), nil
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
		case time.Time:
			return x.UnixMilli(), nil
		case string:
			if ts, err := ParseTimestamp(x); err == nil {
				return ts, nil
			}
		}
	}
	return nil, fmt.Errorf("types: cannot use %T value as %s", v, t)
}

// timestampLayouts are accepted string forms for TIMESTAMP values, tried in
// order. The space-separated layout matches the format used throughout the
// lake's ingestion jobs.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a timestamp string into Unix epoch milliseconds.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UnixMilli(), nil
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	return 0, fmt.Errorf("types: unrecognized timestamp %q", s)
}

// Compare orders two non-nil normalized values of the same column type.
// Returns -1, 0, or 1. Booleans order false < true.
func Compare(a, b interface{}, t ColumnType) (int, error) {
	switch t {
	case TypeString:
		av, aok := a.(string)
		bv, bok := b.(string)
		if !aok || !bok {
			break
		}
		return strings.Compare(av, bv), nil
	case TypeInteger, TypeTimestamp:
		av, aerr := toInt64(a)
		bv, berr := toInt64(b)
		if aerr != nil || berr != nil {
			break
		}
		return compareOrdered(av, bv), nil
	case TypeDouble:
		av, aerr := toFloat64(a)
		bv, berr := toFloat64(b)
		if aerr != nil || berr != nil {
			break
		}
		return compareOrdered(av, bv), nil
	case TypeBoolean:
		av, aok := a.(bool)
		bv, bok := b.(bool)
		if !aok || !bok {
			break
		}
		if av == bv {
			return 0, nil
		}
		if !av {
			return -1, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("types: cannot compare %T and %T as %s", a, b, t)
}

func compareOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// toInt64 widens integral representations, including json.Number values that
// survive a decode of persisted statistics.
func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case json.Number:
		return x.Int64()
	}
	return 0, fmt.Errorf("types: %T is not integral", v)
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	}
	return 0, fmt.Errorf("types: %T is not numeric", v)
}

// CanonicalString renders a normalized value in the canonical text form used
// for partition directory names and bloom membership keys. The rendering must
// be stable across writers: the same logical value always yields the same
// bytes.
func CanonicalString(v interface{}, t ColumnType) string {
	if v == nil {
		return ""
	}
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s
		}
	case TypeInteger, TypeTimestamp:
		if i, err := toInt64(v); err == nil {
			return strconv.FormatInt(i, 10)
		}
	case TypeDouble:
		if f, err := toFloat64(v); err == nil {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return strconv.FormatBool(b)
		}
	}
	return fmt.Sprintf("%v", v)
}
