// Package projection turns storage documents into plain result objects.
package projection

import (
	"fmt"
	"strings"
)

// PropertyFilter is an allow-list of property paths. The zero value keeps every property.
type PropertyFilter struct {
	paths []string
}

// NewPropertyFilter returns a filter over paths. Blank paths are dropped.
func NewPropertyFilter(paths ...string) PropertyFilter {
	var kept []string
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return PropertyFilter{paths: kept}
}

// ParsePropertyFilter normalizes the accepted input shapes into a PropertyFilter:
// nil, a space-separated string, []string, or a list of strings.
// An empty string or list yields the zero filter.
func ParsePropertyFilter(v interface{}) (PropertyFilter, error) {
	switch t := v.(type) {
	case nil:
		return PropertyFilter{}, nil
	case PropertyFilter:
		return t, nil
	case string:
		return NewPropertyFilter(strings.Fields(t)...), nil
	case []string:
		return NewPropertyFilter(t...), nil
	case []interface{}:
		paths := make([]string, 0, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return PropertyFilter{}, fmt.Errorf("property filter element %d is %T, want string", i, e)
			}
			paths = append(paths, s)
		}
		return NewPropertyFilter(paths...), nil
	default:
		return PropertyFilter{}, fmt.Errorf("unsupported property filter type %T", v)
	}
}

// IsZero reports whether the filter keeps every property.
func (f PropertyFilter) IsZero() bool {
	return len(f.paths) == 0
}

// Paths returns the allowed property paths in declaration order.
func (f PropertyFilter) Paths() []string {
	out := make([]string, len(f.paths))
	copy(out, f.paths)
	return out
}

// String renders the filter in its space-separated form.
func (f PropertyFilter) String() string {
	return strings.Join(f.paths, " ")
}

// Or returns f unless it is zero, in which case fallback is returned.
func (f PropertyFilter) Or(fallback PropertyFilter) PropertyFilter {
	if f.IsZero() {
		return fallback
	}
	return f
}

// Apply returns a copy of m restricted to the filter's paths.
// Dotted paths select nested properties and keep their nesting. Unknown paths are skipped.
func (f PropertyFilter) Apply(m map[string]interface{}) map[string]interface{} {
	if f.IsZero() {
		return m
	}
	out := make(map[string]interface{}, len(f.paths))
	for _, path := range f.paths {
		v, ok := get(m, path)
		if !ok {
			continue
		}
		set(out, path, v)
	}
	return out
}

func get(m map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func set(m map[string]interface{}, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
