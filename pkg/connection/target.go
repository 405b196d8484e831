package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// Target is the storage connection target: an address plus driver options.
type Target struct {
	URI     string                 `mapstructure:"uri" yaml:"uri"`
	Options map[string]interface{} `mapstructure:"opts" yaml:"opts,omitempty"`
}

// ParseTarget accepts either a bare address string or a structured {uri, opts} value.
func ParseTarget(v interface{}) (Target, error) {
	switch t := v.(type) {
	case nil:
		return Target{}, nil
	case string:
		return Target{URI: strings.TrimSpace(t)}, nil
	case Target:
		return t, nil
	case *Target:
		if t == nil {
			return Target{}, nil
		}
		return *t, nil
	case map[string]interface{}:
		return targetFromMap(t)
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = val
		}
		return targetFromMap(m)
	default:
		return Target{}, fmt.Errorf("unsupported connection target type %T", v)
	}
}

func targetFromMap(m map[string]interface{}) (Target, error) {
	raw, ok := m["uri"]
	if !ok || raw == nil {
		return Target{}, fmt.Errorf("connection target requires uri")
	}
	uri, ok := raw.(string)
	if !ok {
		return Target{}, fmt.Errorf("connection target uri must be a string, got %T", raw)
	}
	t := Target{URI: strings.TrimSpace(uri)}
	if opts, ok := m["opts"].(map[string]interface{}); ok {
		t.Options = opts
	}
	return t, nil
}

// IsZero reports whether no address was configured.
func (t Target) IsZero() bool {
	return strings.TrimSpace(t.URI) == ""
}

// Scheme returns the lower-cased URI scheme, e.g. "mongodb" or "memory".
func (t Target) Scheme() string {
	if i := strings.Index(t.URI, "://"); i > 0 {
		return strings.ToLower(t.URI[:i])
	}
	return ""
}

// Redacted returns the URI with any password replaced, safe for logging.
func (t Target) Redacted() string {
	u, err := url.Parse(t.URI)
	if err != nil || u.User == nil {
		return t.URI
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// StringOption returns a string option by key.
func (t Target) StringOption(key string) string {
	if v, ok := t.Options[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
