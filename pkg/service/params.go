package service

import (
	"encoding/json"
	"math"
	"strings"
)

// Params is the per-call parameter bag of an action.
type Params map[string]interface{}

// Parameter names understood by the actions.
const (
	ParamLimit  = "limit"
	ParamOffset = "offset"
	ParamSort   = "sort"
	ParamSearch = "search"
	ParamID     = "id"
	ParamEntity = "entity"
	ParamUpdate = "update"
)

// Value returns the raw value stored under key.
func (p Params) Value(key string) (interface{}, bool) {
	v, ok := p[key]
	return v, ok && v != nil
}

// Int returns key as an integer. Only integral numeric values qualify; strings and fractions do not.
func (p Params) Int(key string) (int64, bool) {
	switch n := p[key].(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		return unsigned(uint64(n))
	case uint64:
		return unsigned(n)
	case float32:
		return integral(float64(n))
	case float64:
		return integral(n)
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func unsigned(n uint64) (int64, bool) {
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// String returns key when it holds a string.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

// Map returns key when it holds an object.
func (p Params) Map(key string) (map[string]interface{}, bool) {
	m, ok := p[key].(map[string]interface{})
	return m, ok
}

// ID returns the identifier parameter. Blank strings count as missing.
func (p Params) ID() (interface{}, bool) {
	v, ok := p.Value(ParamID)
	if !ok {
		return nil, false
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}
