package projection

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/nimburion/docservice/pkg/repository/document"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ToJSON projects one document to a plain object.
// An absent document yields nil without an error; callers treat that as not found.
func ToJSON(doc document.Document, filter PropertyFilter) (map[string]interface{}, error) {
	if doc.IsZero() {
		return nil, nil
	}
	m, err := doc.Map()
	if err != nil {
		return nil, err
	}
	return filter.Apply(Plain(m)), nil
}

// ToJSONList projects each document in order. It never returns a nil slice on success.
func ToJSONList(docs []document.Document, filter PropertyFilter) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(docs))
	for _, d := range docs {
		m, err := ToJSON(d, filter)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Plain converts driver values in m into plain JSON-friendly values.
// ObjectIDs become hex strings, dates become time.Time, nested documents become maps.
func Plain(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.Binary:
		return base64.StdEncoding.EncodeToString(t.Data)
	case primitive.Regex:
		return t.String()
	case primitive.Null, primitive.Undefined:
		return nil
	case bson.M:
		return Plain(t)
	case map[string]interface{}:
		return Plain(t)
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = plainValue(e.Value)
		}
		return out
	case bson.A:
		return plainSlice(t)
	case []interface{}:
		return plainSlice(t)
	default:
		return v
	}
}

func plainSlice(s []interface{}) []interface{} {
	out := make([]interface{}, len(s))
	for i, e := range s {
		out[i] = plainValue(e)
	}
	return out
}

// Populator attaches related entities to a projected document.
type Populator interface {
	Populate(ctx context.Context, params map[string]interface{}, doc map[string]interface{}) (map[string]interface{}, error)
}

// PopulateFunc adapts a function to Populator.
type PopulateFunc func(ctx context.Context, params map[string]interface{}, doc map[string]interface{}) (map[string]interface{}, error)

// Populate implements Populator.
func (f PopulateFunc) Populate(ctx context.Context, params map[string]interface{}, doc map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, params, doc)
}

// Identity returns documents unchanged.
var Identity Populator = PopulateFunc(func(_ context.Context, _ map[string]interface{}, doc map[string]interface{}) (map[string]interface{}, error) {
	return doc, nil
})
