// Package util holds small helpers shared by the SDK packages.
package util

import (
	"maps"
	"reflect"
	"slices"
)

// CloneProperties deep-copies a property bag so hooks can mutate their
// argument without affecting the original. Nested maps and slices of the
// JSON-shaped kinds are copied; other values are shared. Cycles are
// preserved rather than followed forever.
func CloneProperties(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	seen := make(map[uintptr]interface{})
	return cloneMap(props, seen)
}

func cloneMap(m map[string]interface{}, seen map[uintptr]interface{}) map[string]interface{} {
	ptr := reflect.ValueOf(m).Pointer()
	if c, ok := seen[ptr]; ok {
		return c.(map[string]interface{})
	}
	out := make(map[string]interface{}, len(m))
	seen[ptr] = out
	for k, v := range m {
		out[k] = cloneValue(v, seen)
	}
	return out
}

func cloneValue(v interface{}, seen map[uintptr]interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return t
		}
		return cloneMap(t, seen)
	case []interface{}:
		if t == nil {
			return t
		}
		ptr := reflect.ValueOf(t).Pointer()
		if c, ok := seen[ptr]; ok && len(c.([]interface{})) == len(t) {
			return c
		}
		out := make([]interface{}, len(t))
		seen[ptr] = out
		for i, e := range t {
			out[i] = cloneValue(e, seen)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	case []string:
		return slices.Clone(t)
	case []int:
		return slices.Clone(t)
	case []float64:
		return slices.Clone(t)
	case []bool:
		return slices.Clone(t)
	default:
		return v
	}
}

// MergeMaps merges multiple maps into a single map.
// If there are duplicate keys, the value from the last map takes precedence.
func MergeMaps[M ~map[K]V, K comparable, V any](src ...M) M {
	merged := make(M)
	for _, m := range src {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// TruncateRunes shortens s to at most n runes.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
