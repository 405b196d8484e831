package projection

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/nimburion/docservice/pkg/repository/document"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParsePropertyFilter(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    []string
		wantErr bool
	}{
		{name: "nil", in: nil, want: []string{}},
		{name: "empty string", in: "", want: []string{}},
		{name: "space separated", in: "  title  author.name ", want: []string{"title", "author.name"}},
		{name: "string list", in: []string{"a", " ", "b"}, want: []string{"a", "b"}},
		{name: "interface list", in: []interface{}{"a", "b"}, want: []string{"a", "b"}},
		{name: "bad element", in: []interface{}{"a", 1}, wantErr: true},
		{name: "bad type", in: 42, wantErr: true},
		{name: "already parsed", in: NewPropertyFilter("x"), want: []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePropertyFilter(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePropertyFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got.Paths(), tt.want) {
				t.Fatalf("Paths() = %v, want %v", got.Paths(), tt.want)
			}
			if got.IsZero() != (len(tt.want) == 0) {
				t.Fatalf("IsZero() = %v", got.IsZero())
			}
		})
	}
}

func TestPropertyFilter_Apply(t *testing.T) {
	doc := map[string]interface{}{
		"title":  "hello",
		"body":   "text",
		"author": map[string]interface{}{"name": "ann", "email": "ann@x"},
	}

	tests := []struct {
		name   string
		filter PropertyFilter
		want   map[string]interface{}
	}{
		{"zero keeps all", PropertyFilter{}, doc},
		{"top level", NewPropertyFilter("title"), map[string]interface{}{"title": "hello"}},
		{"dotted", NewPropertyFilter("author.name"), map[string]interface{}{"author": map[string]interface{}{"name": "ann"}}},
		{"unknown ignored", NewPropertyFilter("title", "missing", "body.deep"), map[string]interface{}{"title": "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Apply(doc); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Apply() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestPropertyFilter_Or(t *testing.T) {
	def := NewPropertyFilter("a")
	if got := (PropertyFilter{}).Or(def); got.String() != "a" {
		t.Fatalf("zero.Or() = %q", got.String())
	}
	if got := NewPropertyFilter("b").Or(def); got.String() != "b" {
		t.Fatalf("explicit.Or() = %q", got.String())
	}
}

func TestToJSON_Absent(t *testing.T) {
	got, err := ToJSON(document.Document{}, PropertyFilter{})
	if err != nil || got != nil {
		t.Fatalf("ToJSON(absent) = %v, %v; want nil, nil", got, err)
	}
}

func TestToJSON_RawAndPlain(t *testing.T) {
	oid := primitive.NewObjectID()
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, err := bson.Marshal(bson.M{
		"_id":   oid,
		"title": "hello",
		"at":    primitive.NewDateTimeFromTime(when),
		"tags":  bson.A{"a", oid},
		"meta":  bson.D{{Key: "views", Value: int32(3)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]interface{}{
		"_id":   oid.Hex(),
		"title": "hello",
		"at":    when,
		"tags":  []interface{}{"a", oid.Hex()},
		"meta":  map[string]interface{}{"views": int32(3)},
	}

	fromRaw, err := ToJSON(document.Raw(raw), PropertyFilter{})
	if err != nil {
		t.Fatalf("ToJSON(raw) error = %v", err)
	}
	if !reflect.DeepEqual(fromRaw, want) {
		t.Fatalf("ToJSON(raw) = %#v\nwant %#v", fromRaw, want)
	}

	plain := document.Plain(map[string]interface{}{"_id": oid, "title": "hello"})
	fromPlain, err := ToJSON(plain, NewPropertyFilter("_id"))
	if err != nil {
		t.Fatalf("ToJSON(plain) error = %v", err)
	}
	if !reflect.DeepEqual(fromPlain, map[string]interface{}{"_id": oid.Hex()}) {
		t.Fatalf("ToJSON(plain) = %#v", fromPlain)
	}
}

func TestToJSON_InvalidRaw(t *testing.T) {
	if _, err := ToJSON(document.Raw(bson.Raw{0x01}), PropertyFilter{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestToJSONList(t *testing.T) {
	empty, err := ToJSONList(nil, PropertyFilter{})
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("ToJSONList(nil) = %#v, %v; want empty non-nil", empty, err)
	}

	docs := []document.Document{
		document.Plain(map[string]interface{}{"n": 1, "x": true}),
		document.Plain(map[string]interface{}{"n": 2, "x": false}),
	}
	got, err := ToJSONList(docs, NewPropertyFilter("n"))
	if err != nil {
		t.Fatal(err)
	}
	want := []map[string]interface{}{{"n": 1}, {"n": 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ToJSONList() = %#v", got)
	}
}

func TestIdentityPopulator(t *testing.T) {
	doc := map[string]interface{}{"a": 1}
	got, err := Identity.Populate(context.Background(), nil, doc)
	if err != nil || !reflect.DeepEqual(got, doc) {
		t.Fatalf("Identity.Populate() = %v, %v", got, err)
	}
}
