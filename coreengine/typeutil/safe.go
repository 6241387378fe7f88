// Package typeutil decodes JSON-shaped values (map[string]any as produced by
// structpb.Struct.AsMap or encoding/json) without panicking on a mismatch.
//
// Numbers in such values are float64; the integer helpers accept only
// integral values that fit the target type.
package typeutil

import (
	"math"
	"strconv"
	"strings"
)

// SafeMapStringAny asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString asserts value to string.
func SafeString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// SafeBool asserts value to bool.
func SafeBool(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}

// SafeSlice asserts value to []any.
func SafeSlice(value any) ([]any, bool) {
	s, ok := value.([]any)
	return s, ok
}

// SafeInt64 converts a JSON number or a native integer to int64.
func SafeInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= 1<<63 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// SafeUint64 converts a JSON number, a native integer or a decimal string
// to uint64. Strings carry values a float64 cannot hold exactly.
func SafeUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v != math.Trunc(v) || v < 0 || v >= 1<<64 {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// SafeUint32 is SafeUint64 bounded to 32 bits.
func SafeUint32(value any) (uint32, bool) {
	n, ok := SafeUint64(value)
	if !ok || n > math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// GetNestedValue gets a nested value using a dot-separated path.
// Example: GetNestedValue(status, "machine.ticks").
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	current := any(data)
	for _, key := range strings.Split(path, ".") {
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
