// Package state holds the value operations the interpreter applies to a run
// state: deep clone, deep merge, dotted path access and projection.
package state

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Clone returns a deep copy of s. Nested maps and slices are copied, other
// values are shared.
func Clone(s map[string]any) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return cloneMap(s)
}

// CloneValue deep copies a single value.
func CloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = CloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, item := range x {
			out[i] = cloneMap(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []int:
		return append([]int(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// Merge deep merges src over dst and returns a new map. Nested maps merge
// recursively; any other value in src, arrays included, replaces the value
// in dst. Neither argument is modified.
func Merge(dst, src map[string]any) map[string]any {
	out := Clone(dst)
	mergeInto(out, src)
	return out
}

// MergeAll folds Merge over values in order, later values win.
func MergeAll(values ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, v := range values {
		if v == nil {
			continue
		}
		mergeInto(out, v)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		incoming, ok := v.(map[string]any)
		if !ok {
			dst[k] = CloneValue(v)
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			dst[k] = cloneMap(incoming)
			continue
		}
		mergeInto(existing, incoming)
	}
}

// Get reads a dotted path. Numeric segments index into slices.
func Get(s map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = s
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		case []map[string]any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// Has reports whether a dotted path resolves.
func Has(s map[string]any, path string) bool {
	_, ok := Get(s, path)
	return ok
}

// Set writes value at a dotted path in place, creating intermediate maps.
// Existing slices are indexed by numeric segments.
func Set(s map[string]any, path string, value any) {
	if s == nil || path == "" {
		return
	}
	segments := strings.Split(path, ".")
	var current any = s
	for i, segment := range segments {
		last := i == len(segments)-1
		switch node := current.(type) {
		case map[string]any:
			if last {
				node[segment] = value
				return
			}
			next, ok := node[segment]
			if !ok || !isContainer(next) {
				next = map[string]any{}
				node[segment] = next
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return
			}
			if last {
				node[idx] = value
				return
			}
			if !isContainer(node[idx]) {
				node[idx] = map[string]any{}
			}
			current = node[idx]
		default:
			return
		}
	}
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// Pick projects s onto the dotted paths. Missing paths are left out and the
// result keeps the nesting of the paths.
func Pick(s map[string]any, paths ...string) map[string]any {
	out := map[string]any{}
	for _, path := range paths {
		if v, ok := Get(s, path); ok {
			Set(out, path, CloneValue(v))
		}
	}
	return out
}

// OnlyKeys reports whether every key of s is one of keys.
func OnlyKeys(s map[string]any, keys ...string) bool {
	if len(s) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	for k := range s {
		if _, ok := allowed[k]; !ok {
			return false
		}
	}
	return true
}

// Stringify renders v as JSON with map keys sorted, so equal states produce
// equal strings.
func Stringify(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// FieldKey joins the present fields of s as field:value pairs separated by
// colons. Fields use gjson path syntax, which matches dotted paths.
func FieldKey(s map[string]any, fields ...string) string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	results := gjson.GetManyBytes(raw, fields...)
	parts := make([]string, 0, len(fields))
	for i, result := range results {
		if !result.Exists() {
			continue
		}
		parts = append(parts, fields[i]+":"+result.String())
	}
	return strings.Join(parts, ":")
}

// Normalize round trips v through JSON so typed values (structs, typed
// slices) become plain maps, slices and float64 numbers.
func Normalize(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
