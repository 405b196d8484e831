package document

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Kind tags how a Document's content is represented.
type Kind int

const (
	// KindAbsent is the zero Document: no content.
	KindAbsent Kind = iota
	// KindRaw holds a driver-native BSON document.
	KindRaw
	// KindPlain holds an already-plain map.
	KindPlain
)

// Document is a value handed from a driver to the projection layer,
// explicitly marked as raw driver output or as a plain object.
type Document struct {
	kind  Kind
	raw   bson.Raw
	plain map[string]interface{}
}

// Raw wraps a driver-native BSON document.
func Raw(raw bson.Raw) Document {
	return Document{kind: KindRaw, raw: raw}
}

// Plain wraps an already-plain object.
func Plain(m map[string]interface{}) Document {
	return Document{kind: KindPlain, plain: m}
}

// Kind reports the representation.
func (d Document) Kind() Kind {
	return d.kind
}

// IsZero reports whether d carries no content.
func (d Document) IsZero() bool {
	return d.kind == KindAbsent
}

// RawBytes returns the BSON bytes of a raw document.
func (d Document) RawBytes() bson.Raw {
	return d.raw
}

// PlainMap returns the map of a plain document.
func (d Document) PlainMap() map[string]interface{} {
	return d.plain
}

// Map returns the content as a map, decoding raw BSON when needed.
// Decoded values keep their driver types (ObjectID, bson.M, bson.A).
func (d Document) Map() (map[string]interface{}, error) {
	switch d.kind {
	case KindPlain:
		return d.plain, nil
	case KindRaw:
		var out bson.M
		if err := bson.Unmarshal(d.raw, &out); err != nil {
			return nil, fmt.Errorf("decode raw document: %w", err)
		}
		return map[string]interface{}(out), nil
	default:
		return nil, nil
	}
}
