package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/nimburion/docservice/pkg/connection"
	"github.com/nimburion/docservice/pkg/repository/document"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collection is a document.Collection over an in-process database.
// It is unbound until Bind is called with a Session from this package.
type Collection struct {
	name    string
	session atomic.Pointer[Session]
}

var (
	_ document.Collection = (*Collection)(nil)
	_ document.Indexer    = (*Collection)(nil)
)

// NewCollection returns an unbound collection handle.
func NewCollection(name string) *Collection {
	return &Collection{name: name}
}

// Bind attaches the collection to s. Rebinding replaces the previous session.
func (c *Collection) Bind(s connection.Session) error {
	ms, ok := s.(*Session)
	if !ok {
		return fmt.Errorf("memory collection cannot bind to %T", s)
	}
	c.session.Store(ms)
	return nil
}

// Name implements document.Collection.
func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) db() (*Database, error) {
	s := c.session.Load()
	if s == nil || s.closed.Load() {
		return nil, document.ErrNotConnected
	}
	return s.db, nil
}

// toID maps a 24-hex string to an ObjectID. Other values are used verbatim.
func toID(id interface{}) interface{} {
	if s, ok := id.(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			return oid
		}
	}
	return id
}

func toRaw(d bson.M) (document.Document, error) {
	raw, err := bson.Marshal(d)
	if err != nil {
		return document.Document{}, err
	}
	return document.Raw(raw), nil
}

// Find implements document.Collection.
func (c *Collection) Find(_ context.Context, q *document.Query) ([]document.Document, error) {
	db, err := c.db()
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = document.NewQuery(nil)
	}

	db.mu.RLock()
	var selected []bson.M
	if t, ok := db.tables[c.name]; ok {
		for _, d := range t.docs {
			if matches(d, q.Filter()) {
				selected = append(selected, cloneDoc(d))
			}
		}
	}
	db.mu.RUnlock()

	sortDocs(selected, q.SortFields())
	if skip, ok := q.SkipValue(); ok && skip > 0 {
		if skip >= int64(len(selected)) {
			selected = nil
		} else {
			selected = selected[skip:]
		}
	}
	// A zero limit means no limit, as on the server.
	if limit, ok := q.LimitValue(); ok && limit > 0 && limit < int64(len(selected)) {
		selected = selected[:limit]
	}

	out := make([]document.Document, len(selected))
	for i, d := range selected {
		out[i] = document.Plain(map[string]interface{}(d))
	}
	return out, nil
}

// Count implements document.Collection.
func (c *Collection) Count(_ context.Context, filter document.Filter) (int64, error) {
	db, err := c.db()
	if err != nil {
		return 0, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[c.name]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, d := range t.docs {
		if matches(d, filter) {
			n++
		}
	}
	return n, nil
}

// Insert implements document.Collection. A missing _id is assigned a new ObjectID.
func (c *Collection) Insert(_ context.Context, entity map[string]interface{}) (document.Document, error) {
	db, err := c.db()
	if err != nil {
		return document.Document{}, err
	}
	d, err := normalize(entity)
	if err != nil {
		return document.Document{}, fmt.Errorf("encode entity: %w", err)
	}
	if id, ok := d["_id"]; !ok || id == nil {
		d["_id"] = primitive.NewObjectID()
	} else {
		d["_id"] = toID(id)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.table(c.name)
	if t.indexOf(d["_id"]) >= 0 {
		return document.Document{}, fmt.Errorf("%w: _id %v", ErrDuplicateKey, d["_id"])
	}
	if err := t.checkUnique(d, -1); err != nil {
		return document.Document{}, err
	}
	t.docs = append(t.docs, d)
	return toRaw(d)
}

// FindByID implements document.Collection.
func (c *Collection) FindByID(_ context.Context, id interface{}) (document.Document, bool, error) {
	db, err := c.db()
	if err != nil {
		return document.Document{}, false, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tables[c.name]
	if !ok {
		return document.Document{}, false, nil
	}
	i := t.indexOf(toID(id))
	if i < 0 {
		return document.Document{}, false, nil
	}
	return document.Plain(map[string]interface{}(cloneDoc(t.docs[i]))), true, nil
}

// FindByIDAndUpdate implements document.Collection and returns the post-update document.
func (c *Collection) FindByIDAndUpdate(_ context.Context, id interface{}, update map[string]interface{}) (document.Document, bool, error) {
	db, err := c.db()
	if err != nil {
		return document.Document{}, false, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[c.name]
	if !ok {
		return document.Document{}, false, nil
	}
	i := t.indexOf(toID(id))
	if i < 0 {
		return document.Document{}, false, nil
	}

	next := cloneDoc(t.docs[i])
	if err := applyUpdate(next, update); err != nil {
		return document.Document{}, false, err
	}
	if err := t.checkUnique(next, i); err != nil {
		return document.Document{}, false, err
	}
	t.docs[i] = next

	d, err := toRaw(next)
	if err != nil {
		return document.Document{}, false, err
	}
	return d, true, nil
}

// FindByIDAndRemove implements document.Collection.
func (c *Collection) FindByIDAndRemove(_ context.Context, id interface{}) error {
	db, err := c.db()
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tables[c.name]
	if !ok {
		return nil
	}
	if i := t.indexOf(toID(id)); i >= 0 {
		t.docs = append(t.docs[:i], t.docs[i+1:]...)
	}
	return nil
}

// RemoveAll implements document.Collection. Indexes are kept.
func (c *Collection) RemoveAll(context.Context) error {
	db, err := c.db()
	if err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[c.name]; ok {
		t.docs = nil
	}
	return nil
}

// EnsureIndex implements document.Indexer. Only unique indexes affect behavior.
func (c *Collection) EnsureIndex(_ context.Context, spec string, unique bool) error {
	fields := document.ParseSortSpec(spec)
	if len(fields) == 0 {
		return fmt.Errorf("index spec %q has no fields", spec)
	}
	db, err := c.db()
	if err != nil {
		return err
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		dir := "1"
		if f.Order == document.SortDesc {
			dir = "-1"
		}
		names[i] = f.Field + "_" + dir
	}
	name := strings.Join(names, "_")

	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.table(c.name)
	if unique {
		probe := &table{docs: t.docs, indexes: map[string]index{name: {fields: fields, unique: true}}}
		for i, d := range t.docs {
			if err := probe.checkUnique(d, i); err != nil {
				return err
			}
		}
	}
	t.indexes[name] = index{fields: fields, unique: unique}
	return nil
}
