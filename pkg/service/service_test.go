package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nimburion/docservice/pkg/connection"
	"github.com/nimburion/docservice/pkg/projection"
	"github.com/nimburion/docservice/pkg/repository/document"
	"github.com/nimburion/docservice/pkg/store/memory"
)

type emitted struct {
	event   string
	payload interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	onEmit func()
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, event string, payload interface{}) error {
	if r.onEmit != nil {
		r.onEmit()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{event, payload})
	return r.err
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newStartedService(t *testing.T, name string, mutate func(*Schema)) (*Service, *recordingEmitter) {
	t.Helper()
	em := &recordingEmitter{}
	schema := Schema{
		Name:       name,
		Collection: memory.NewCollection(name),
		DB:         connection.Target{URI: "memory://" + t.Name()},
		Dialer:     memory.NewDialer(),
		Emitter:    em,
	}
	if mutate != nil {
		mutate(&schema)
	}
	svc, err := New(schema)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc, em
}

func TestNew_MissingCollection(t *testing.T) {
	if _, err := New(Schema{Name: "posts"}); !errors.Is(err, ErrMissingCollection) {
		t.Fatalf("New() error = %v, want ErrMissingCollection", err)
	}
}

func TestNew_NameDefaultsToCollection(t *testing.T) {
	svc, err := New(Schema{Collection: memory.NewCollection("articles")})
	if err != nil {
		t.Fatal(err)
	}
	if svc.Name() != "articles" || svc.CachePattern() != "articles.*" {
		t.Fatalf("Name() = %q, CachePattern() = %q", svc.Name(), svc.CachePattern())
	}
}

func TestStart_RequiresDialer(t *testing.T) {
	svc, _ := New(Schema{Collection: memory.NewCollection("posts")})
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected configuration error without dialer")
	}
}

func TestStart_AfterConnectedRunsOnceWithService(t *testing.T) {
	var got []*Service
	svc, _ := newStartedService(t, "users", func(s *Schema) {
		s.AfterConnected = func(svc *Service) {
			got = append(got, svc)
			idx := svc.Collection().(document.Indexer)
			if err := idx.EnsureIndex(context.Background(), "email", true); err != nil {
				t.Errorf("EnsureIndex() error = %v", err)
			}
		}
	})

	if len(got) != 1 || got[0] != svc {
		t.Fatalf("AfterConnected calls = %d", len(got))
	}
	if svc.Connection().State() != connection.StateOpen {
		t.Fatalf("state = %s", svc.Connection().State())
	}
	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	ctx := context.Background()
	if _, err := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"email": "a@x"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"email": "a@x"}}); !errors.Is(err, memory.ErrDuplicateKey) {
		t.Fatalf("duplicate create error = %v, want driver error as-is", err)
	}
}

func TestStart_ConnectionErrorsAreAbsorbed(t *testing.T) {
	dialer := memory.NewDialer()
	dialer.FailNext(errors.New("auth failed"))
	svc, err := New(Schema{
		Collection: memory.NewCollection("posts"),
		DB:         connection.Target{URI: "memory://absorbed"},
		Dialer:     dialer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() must not surface connection errors: %v", err)
	}
	defer svc.Stop()
	if svc.Connection().State() != connection.StateError {
		t.Fatalf("state = %s, want error", svc.Connection().State())
	}
}

func TestCreateThenGet(t *testing.T) {
	svc, _ := newStartedService(t, "posts", nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"title": "hello", "votes": 3}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	id, ok := created["_id"].(string)
	if !ok || id == "" {
		t.Fatalf("created _id = %#v", created["_id"])
	}

	got, err := svc.Get(ctx, Params{ParamID: id})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["title"] != "hello" || got["_id"] != id {
		t.Fatalf("Get() = %#v", got)
	}
}

func TestGet_MissingReturnsNil(t *testing.T) {
	svc, _ := newStartedService(t, "posts", nil)
	for _, p := range []Params{{ParamID: "5f43a1b2c3d4e5f607182930"}, {ParamID: "nope"}, {}} {
		got, err := svc.Get(context.Background(), p)
		if err != nil || got != nil {
			t.Fatalf("Get(%v) = %v, %v; want nil, nil", p, got, err)
		}
	}

	action := findAction(t, svc, ActionGet)
	res, err := action.Handler(context.Background(), Params{ParamID: "nope"})
	if err != nil || res != nil {
		t.Fatalf("get handler = %#v, %v; want untyped nil", res, err)
	}
}

func TestMutations_EmitExactlyOneCacheClean(t *testing.T) {
	svc, em := newStartedService(t, "posts", nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"title": "a"}})
	if err != nil {
		t.Fatal(err)
	}
	id := created["_id"]

	steps := []struct {
		name string
		run  func() error
	}{
		{"update", func() error {
			_, err := svc.Update(ctx, Params{ParamID: id, ParamUpdate: map[string]interface{}{"title": "b"}})
			return err
		}},
		{"remove", func() error { return svc.Remove(ctx, Params{ParamID: id}) }},
		{"remove absent", func() error { return svc.Remove(ctx, Params{ParamID: id}) }},
		{"drop", func() error { return svc.Drop(ctx) }},
	}

	if em.count() != 1 {
		t.Fatalf("create emitted %d events, want 1", em.count())
	}
	for _, step := range steps {
		em.reset()
		if err := step.run(); err != nil {
			t.Fatalf("%s error = %v", step.name, err)
		}
		if em.count() != 1 {
			t.Fatalf("%s emitted %d events, want 1", step.name, em.count())
		}
		if ev := em.events[0]; ev.event != EventCacheClean || ev.payload != "posts.*" {
			t.Fatalf("%s emitted %+v", step.name, ev)
		}
	}

	em.reset()
	if _, err := svc.List(ctx, Params{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Count(ctx, Params{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, Params{ParamID: id}); err != nil {
		t.Fatal(err)
	}
	if em.count() != 0 {
		t.Fatalf("reads emitted %d events", em.count())
	}
}

func TestCreate_EmitsAfterDriverWrite(t *testing.T) {
	var countAtEmit int64 = -1
	var svc *Service
	svc, em := newStartedService(t, "posts", nil)
	em.onEmit = func() {
		countAtEmit, _ = svc.Collection().Count(context.Background(), nil)
	}

	if _, err := svc.Create(context.Background(), Params{ParamEntity: map[string]interface{}{"a": 1}}); err != nil {
		t.Fatal(err)
	}
	if countAtEmit != 1 {
		t.Fatalf("document count at emit = %d, want 1", countAtEmit)
	}
}

func TestClearCache_EmitFailureIsLoggedNotReturned(t *testing.T) {
	svc, em := newStartedService(t, "posts", nil)
	em.err = errors.New("bus down")
	if err := svc.Drop(context.Background()); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
}

func TestUpdate_ObservedBySubsequentGet(t *testing.T) {
	svc, _ := newStartedService(t, "posts", nil)
	ctx := context.Background()
	created, _ := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"title": "a", "body": "x"}})
	id := created["_id"]

	updated, err := svc.Update(ctx, Params{ParamID: id, ParamUpdate: map[string]interface{}{"title": "b"}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated["title"] != "b" || updated["body"] != "x" {
		t.Fatalf("Update() = %#v, want post-update document", updated)
	}

	got, _ := svc.Get(ctx, Params{ParamID: id})
	if got["title"] != "b" {
		t.Fatalf("Get() after update = %#v", got)
	}
}

func TestUpdate_MissingDocument(t *testing.T) {
	svc, em := newStartedService(t, "posts", nil)
	got, err := svc.Update(context.Background(), Params{ParamID: "5f43a1b2c3d4e5f607182930", ParamUpdate: map[string]interface{}{"a": 1}})
	if err != nil || got != nil {
		t.Fatalf("Update() = %v, %v", got, err)
	}
	if em.count() != 1 {
		t.Fatalf("emitted %d events, want 1", em.count())
	}
}

func TestActions_InvalidParams(t *testing.T) {
	svc, em := newStartedService(t, "posts", nil)
	ctx := context.Background()
	tests := []struct {
		name string
		run  func() error
	}{
		{"create without entity", func() error { _, err := svc.Create(ctx, Params{}); return err }},
		{"create with string entity", func() error { _, err := svc.Create(ctx, Params{ParamEntity: "x"}); return err }},
		{"update without id", func() error {
			_, err := svc.Update(ctx, Params{ParamUpdate: map[string]interface{}{}})
			return err
		}},
		{"update without patch", func() error { _, err := svc.Update(ctx, Params{ParamID: "x"}); return err }},
		{"remove without id", func() error { return svc.Remove(ctx, Params{ParamID: "  "}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("error = %v, want ErrInvalidParams", err)
			}
		})
	}
	if em.count() != 0 {
		t.Fatalf("failed actions emitted %d events", em.count())
	}
}

type failingCollection struct {
	document.Collection
	err error
}

func (f failingCollection) Name() string { return "broken" }
func (f failingCollection) Find(context.Context, *document.Query) ([]document.Document, error) {
	return nil, f.err
}
func (f failingCollection) Insert(context.Context, map[string]interface{}) (document.Document, error) {
	return document.Document{}, f.err
}
func (f failingCollection) FindByIDAndUpdate(context.Context, interface{}, map[string]interface{}) (document.Document, bool, error) {
	return document.Document{}, false, f.err
}
func (f failingCollection) FindByIDAndRemove(context.Context, interface{}) error { return f.err }
func (f failingCollection) RemoveAll(context.Context) error                    { return f.err }

func TestDriverErrorsSurfaceUnchanged(t *testing.T) {
	driverErr := document.ErrInvalidID
	em := &recordingEmitter{}
	svc, err := New(Schema{Collection: failingCollection{err: driverErr}, Emitter: em})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := svc.List(ctx, Params{}); err != driverErr {
		t.Fatalf("List() error = %v", err)
	}
	if _, err := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{}}); err != driverErr {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Update(ctx, Params{ParamID: "x", ParamUpdate: map[string]interface{}{}}); err != driverErr {
		t.Fatalf("Update() error = %v", err)
	}
	if err := svc.Remove(ctx, Params{ParamID: "x"}); err != driverErr {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := svc.Drop(ctx); err != driverErr {
		t.Fatalf("Drop() error = %v", err)
	}
	if em.count() != 0 {
		t.Fatalf("failed mutations emitted %d events", em.count())
	}
}

func TestList_DefaultPropertyFilterAndPopulate(t *testing.T) {
	var populated []map[string]interface{}
	svc, _ := newStartedService(t, "posts", func(s *Schema) {
		s.Settings.PropertyFilter = projection.NewPropertyFilter("title")
		s.Populator = projection.PopulateFunc(func(_ context.Context, p map[string]interface{}, doc map[string]interface{}) (map[string]interface{}, error) {
			populated = append(populated, doc)
			doc["author"] = p["as"]
			return doc, nil
		})
	})
	ctx := context.Background()

	created, err := svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"title": "a", "secret": 1}, "as": "ann"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(created, map[string]interface{}{"title": "a", "author": "ann"}) {
		t.Fatalf("Create() = %#v", created)
	}
	if len(populated) != 1 {
		t.Fatalf("populate calls = %d", len(populated))
	}

	list, err := svc.List(ctx, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || !reflect.DeepEqual(list[0], map[string]interface{}{"title": "a"}) {
		t.Fatalf("List() = %#v", list)
	}
}

func TestList_EmptyIsEmptySlice(t *testing.T) {
	svc, _ := newStartedService(t, "posts", nil)
	list, err := svc.List(context.Background(), Params{})
	if err != nil || list == nil || len(list) != 0 {
		t.Fatalf("List() = %#v, %v", list, err)
	}
}

func TestCount_IgnoresSearch(t *testing.T) {
	svc, _ := newStartedService(t, "posts", nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = svc.Create(ctx, Params{ParamEntity: map[string]interface{}{"n": i}})
	}
	n, err := svc.Count(ctx, Params{ParamSearch: "zzz"})
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v", n, err)
	}
}

func findAction(t *testing.T, svc *Service, name string) Action {
	t.Helper()
	for _, a := range svc.Actions() {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("action %s not found", name)
	return Action{}
}

func TestActions_CacheKeys(t *testing.T) {
	svc, _ := New(Schema{Collection: memory.NewCollection("posts")})
	want := map[string][]string{
		ActionList:   {"limit", "offset", "sort", "search"},
		ActionCount:  {"search"},
		ActionGet:    {"id"},
		ActionCreate: nil,
		ActionUpdate: nil,
		ActionRemove: nil,
		ActionDrop:   nil,
	}
	actions := svc.Actions()
	if len(actions) != len(want) {
		t.Fatalf("actions = %d, want %d", len(actions), len(want))
	}
	for _, a := range actions {
		keys, ok := want[a.Name]
		if !ok {
			t.Fatalf("unexpected action %s", a.Name)
		}
		if !reflect.DeepEqual(a.CacheKeys, keys) || a.Cacheable() != (keys != nil) {
			t.Fatalf("%s cache keys = %v", a.Name, a.CacheKeys)
		}
	}
}
