package ccu

import (
	"encoding/json"
	"strconv"
	"strings"
)

// IsTrue reports whether a controller value is truthy. The controller
// reports booleans as bool, numbers or strings depending on interface.
func IsTrue(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case string:
		s := strings.TrimSpace(strings.ToLower(n))
		if s == "true" || s == "on" {
			return true
		}
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && f != 0
	case nil:
		return false
	default:
		f, ok := Float(v)
		return ok && f != 0
	}
}

// Float converts a controller value to float64.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Int converts a controller value to int, truncating fractions.
func Int(v any) (int, bool) {
	f, ok := Float(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
