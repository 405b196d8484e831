package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nimburion/docservice/pkg/repository/document"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrDuplicateKey is returned when a write violates a unique index.
var ErrDuplicateKey = document.ErrDuplicateKey

// Database is a set of named in-process collections.
type Database struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type index struct {
	fields []document.Sort
	unique bool
}

type table struct {
	docs    []bson.M
	indexes map[string]index
}

func newDatabase() *Database {
	return &Database{tables: make(map[string]*table)}
}

// table returns the named table, creating it when missing. Callers hold db.mu for writing.
func (db *Database) table(name string) *table {
	t, ok := db.tables[name]
	if !ok {
		t = &table{indexes: make(map[string]index)}
		db.tables[name] = t
	}
	return t
}

// CollectionNames returns the names of all collections that were written to.
func (db *Database) CollectionNames() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalize round-trips v through BSON so stored values carry driver types
// (int32/int64, primitive.M, primitive.A) exactly as a real server would return them.
func normalize(v map[string]interface{}) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	m, err := normalize(map[string]interface{}{"v": v})
	if err != nil {
		return nil, err
	}
	return m["v"], nil
}

func cloneDoc(d bson.M) bson.M {
	out := make(bson.M, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		return cloneDoc(t)
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func lookup(d bson.M, path string) (interface{}, bool) {
	var cur interface{} = d
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(bson.M)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func assign(d bson.M, path string, v interface{}) error {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			child := bson.M{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(bson.M)
		if !ok {
			return fmt.Errorf("cannot create field %q in non-document value", path)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

func unassign(d bson.M, path string) {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur[part].(bson.M)
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, parts[len(parts)-1])
}

func matches(d bson.M, filter document.Filter) bool {
	for path, want := range filter {
		got, ok := lookup(d, path)
		if !ok {
			if want != nil {
				return false
			}
			continue
		}
		if compareValues(got, want) != 0 {
			return false
		}
	}
	return true
}

func sortDocs(docs []bson.M, fields []document.Sort) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, _ := lookup(docs[i], f.Field)
			b, _ := lookup(docs[j], f.Field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if f.Order == document.SortDesc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func applyUpdate(d bson.M, update map[string]interface{}) error {
	for op, arg := range document.NormalizeUpdate(update) {
		fields, ok := arg.(map[string]interface{})
		if !ok {
			if m, isM := arg.(bson.M); isM {
				fields = m
			} else {
				return fmt.Errorf("update operator %s requires a document, got %T", op, arg)
			}
		}
		switch op {
		case "$set":
			for path, v := range fields {
				if path == "_id" {
					continue
				}
				nv, err := normalizeValue(v)
				if err != nil {
					return err
				}
				if err := assign(d, path, nv); err != nil {
					return err
				}
			}
		case "$unset":
			for path := range fields {
				if path != "_id" {
					unassign(d, path)
				}
			}
		case "$inc":
			for path, v := range fields {
				delta, ok := toFloat(v)
				if !ok {
					return fmt.Errorf("cannot increment %q by non-numeric %T", path, v)
				}
				cur, _ := lookup(d, path)
				next, err := addNumbers(cur, v, delta)
				if err != nil {
					return fmt.Errorf("cannot increment %q: %w", path, err)
				}
				if err := assign(d, path, next); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unsupported update operator %q", op)
		}
	}
	return nil
}

func addNumbers(cur, delta interface{}, deltaF float64) (interface{}, error) {
	if cur == nil {
		return normalizeValue(delta)
	}
	switch c := cur.(type) {
	case int32:
		if d, ok := delta.(int32); ok {
			return c + d, nil
		}
		if isIntegral(delta) {
			return int64(c) + int64(deltaF), nil
		}
	case int64:
		if isIntegral(delta) {
			return c + int64(deltaF), nil
		}
	case float64:
		return c + deltaF, nil
	default:
		return nil, fmt.Errorf("field holds non-numeric %T", cur)
	}
	cf, _ := toFloat(cur)
	return cf + deltaF, nil
}

func isIntegral(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return true
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// typeRank follows the server's cross-type comparison order.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil, primitive.Null:
		return 0
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
		return 1
	case string:
		return 2
	case bson.M, map[string]interface{}:
		return 3
	case bson.A, []interface{}:
		return 4
	case primitive.Binary, []byte:
		return 5
	case primitive.ObjectID:
		return 6
	case bool:
		return 7
	case primitive.DateTime:
		return 8
	default:
		return 9
	}
}

func compareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, _ := toFloat(a)
		fb, _ := toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 6:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return strings.Compare(oa.Hex(), ob.Hex())
	case 7:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 8:
		da, db := a.(primitive.DateTime), b.(primitive.DateTime)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	}
	na, errA := normalizeValue(a)
	nb, errB := normalizeValue(b)
	if errA != nil || errB != nil {
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	return strings.Compare(fmt.Sprintf("%v", na), fmt.Sprintf("%v", nb))
}

func (t *table) indexOf(id interface{}) int {
	for i, d := range t.docs {
		if compareValues(d["_id"], id) == 0 {
			return i
		}
	}
	return -1
}

// checkUnique reports a unique index violation by candidate against every other document.
func (t *table) checkUnique(candidate bson.M, skip int) error {
	for name, idx := range t.indexes {
		if !idx.unique {
			continue
		}
		for i, other := range t.docs {
			if i == skip {
				continue
			}
			same := true
			for _, f := range idx.fields {
				a, _ := lookup(candidate, f.Field)
				b, _ := lookup(other, f.Field)
				if compareValues(a, b) != 0 {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("%w: index %s", ErrDuplicateKey, name)
			}
		}
	}
	return nil
}
