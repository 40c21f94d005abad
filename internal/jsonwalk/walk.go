// Package jsonwalk searches arbitrarily nested provider payloads. Strings that
// themselves hold JSON documents are decoded and searched as well.
package jsonwalk

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Kind int

const (
	Null Kind = iota
	Object
	Array
	String
	Scalar
)

func (k Kind) String() string {
	switch k {
	case Object:
		return "object"
	case Array:
		return "array"
	case String:
		return "string"
	case Scalar:
		return "scalar"
	default:
		return "null"
	}
}

// Value is a tagged view over a decoded JSON document.
type Value struct {
	Kind   Kind
	Fields map[string]Value
	Items  []Value
	Str    string
	Raw    any
}

// Parse decodes data into a Value.
func Parse(data []byte) (Value, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Value{}, err
	}
	return From(decoded), nil
}

// From converts the output of json.Unmarshal into a Value.
func From(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: Null}
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = From(item)
		}
		return Value{Kind: Object, Fields: fields, Raw: t}
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, From(item))
		}
		return Value{Kind: Array, Items: items, Raw: t}
	case string:
		return Value{Kind: String, Str: t, Raw: t}
	default:
		return Value{Kind: Scalar, Raw: t}
	}
}

// Text returns the string form of a string or scalar value.
func (v Value) Text() string {
	switch v.Kind {
	case String:
		return v.Str
	case Scalar:
		return fmt.Sprint(v.Raw)
	default:
		return ""
	}
}

// embedded decodes a string value that carries a JSON object or array.
func (v Value) embedded() (Value, bool) {
	if v.Kind != String {
		return Value{}, false
	}
	s := strings.TrimSpace(v.Str)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return Value{}, false
	}
	parsed, err := Parse([]byte(s))
	if err != nil {
		return Value{}, false
	}
	return parsed, true
}

// Matcher inspects one object field. It returns the extracted text and true on a hit.
type Matcher func(key string, v Value) (string, bool)

// Find walks v breadth-first within an object (all direct fields are tested
// before descending) and depth-first across levels, up to maxDepth levels.
// Object keys are visited in sorted order so results are deterministic.
func Find(v Value, maxDepth int, match Matcher) (string, bool) {
	return find(v, 0, maxDepth, match)
}

// FindRanked runs Find once per matcher, in order, over the whole tree. A hit
// for an earlier matcher wins over any hit for a later one, wherever it sits.
func FindRanked(v Value, maxDepth int, matchers ...Matcher) (string, bool) {
	for _, m := range matchers {
		if found, ok := find(v, 0, maxDepth, m); ok {
			return found, true
		}
	}
	return "", false
}

func find(v Value, depth, maxDepth int, match Matcher) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	switch v.Kind {
	case Object:
		keys := make([]string, 0, len(v.Fields))
		for k := range v.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if found, ok := match(k, v.Fields[k]); ok {
				return found, true
			}
		}
		for _, k := range keys {
			if found, ok := find(v.Fields[k], depth+1, maxDepth, match); ok {
				return found, true
			}
		}
	case Array:
		for _, item := range v.Items {
			if found, ok := find(item, depth+1, maxDepth, match); ok {
				return found, true
			}
		}
	case String:
		if inner, ok := v.embedded(); ok {
			return find(inner, depth+1, maxDepth, match)
		}
	}
	return "", false
}

// KeyMatcher matches string fields whose key is one of keys (case-insensitive)
// and whose value satisfies accept.
func KeyMatcher(accept func(string) bool, keys ...string) Matcher {
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[strings.ToLower(k)] = struct{}{}
	}
	return func(key string, v Value) (string, bool) {
		if _, ok := wanted[strings.ToLower(key)]; !ok || v.Kind != String {
			return "", false
		}
		s := strings.TrimSpace(v.Str)
		if s == "" || (accept != nil && !accept(s)) {
			return "", false
		}
		return s, true
	}
}
