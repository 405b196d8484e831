package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/docservice/pkg/eventbus"
)

type failingStore struct {
	*InMemoryStore
	getErr, setErr, cleanErr error
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.InMemoryStore.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.InMemoryStore.Set(ctx, key, value, ttl)
}

func (s *failingStore) Clean(ctx context.Context, pattern string) (int, error) {
	if s.cleanErr != nil {
		return 0, s.cleanErr
	}
	return s.InMemoryStore.Clean(ctx, pattern)
}

type fakeConsumer struct {
	topic   string
	handler eventbus.MessageHandler
}

func (c *fakeConsumer) Subscribe(_ context.Context, topic string, handler eventbus.MessageHandler) error {
	c.topic, c.handler = topic, handler
	return nil
}
func (c *fakeConsumer) Unsubscribe(string) error { return nil }
func (c *fakeConsumer) Close() error             { return nil }

func newTestCacher(t *testing.T, store Store) *Cacher {
	t.Helper()
	c, err := NewCacher(store, Options{TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewCacher() error = %v", err)
	}
	return c
}

func counting(calls *int32, value interface{}) FetchFunc {
	return func(context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestNewCacher_RequiresStore(t *testing.T) {
	if _, err := NewCacher(nil, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCacher_GetOrFetch_HitAfterMiss(t *testing.T) {
	ctx := context.Background()
	c := newTestCacher(t, NewInMemoryStore())
	var calls int32
	doc := map[string]interface{}{"_id": "1", "title": "hello", "votes": 3}

	first, err := c.GetOrFetch(ctx, "posts.get:1", counting(&calls, doc))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	second, err := c.GetOrFetch(ctx, "posts.get:1", counting(&calls, doc))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("fetch called %d times, want 1", calls)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("miss and hit differ: %s vs %s", a, b)
	}
	if m := second.(map[string]interface{}); m["votes"] != json.Number("3") {
		t.Fatalf("votes = %#v, want json.Number", m["votes"])
	}
}

func TestCacher_NilAndErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newTestCacher(t, store)
	var calls int32

	for i := 0; i < 2; i++ {
		v, err := c.GetOrFetch(ctx, "posts.get:missing", counting(&calls, nil))
		if err != nil || v != nil {
			t.Fatalf("GetOrFetch() = %v, %v", v, err)
		}
	}
	if calls != 2 || store.Len() != 0 {
		t.Fatalf("nil result cached: calls=%d len=%d", calls, store.Len())
	}

	boom := errors.New("driver down")
	if _, err := c.GetOrFetch(ctx, "posts.count:", func(context.Context) (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("GetOrFetch() error = %v, want %v", err, boom)
	}
	if store.Len() != 0 {
		t.Fatalf("error result cached")
	}
}

func TestCacher_StoreFailuresDegradeToMiss(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{InMemoryStore: NewInMemoryStore(), getErr: errors.New("get"), setErr: errors.New("set")}
	c := newTestCacher(t, store)
	var calls int32

	for i := 0; i < 2; i++ {
		v, err := c.GetOrFetch(ctx, "posts.count:", counting(&calls, 5))
		if err != nil {
			t.Fatalf("GetOrFetch() error = %v", err)
		}
		if v != json.Number("5") {
			t.Fatalf("GetOrFetch() = %#v", v)
		}
	}
	if calls != 2 {
		t.Fatalf("fetch called %d times, want 2", calls)
	}
}

func TestCacher_CorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_ = store.Set(ctx, "posts.get:1", []byte("{not json"), 0)
	c := newTestCacher(t, store)
	var calls int32

	if _, err := c.GetOrFetch(ctx, "posts.get:1", counting(&calls, "fresh")); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("corrupt entry served")
	}
}

func TestCacher_ConcurrentMissesShareOneFetch(t *testing.T) {
	ctx := context.Background()
	c := newTestCacher(t, NewInMemoryStore())
	var calls int32
	release := make(chan struct{})
	fetch := func(context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.GetOrFetch(ctx, "posts.list:|||", fetch)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls < 1 || calls > 5 {
		t.Fatalf("fetch calls = %d", calls)
	}
	for i, r := range results {
		if r != "v" {
			t.Fatalf("results[%d] = %#v", i, r)
		}
	}
}

func TestCacher_FetchInFlightDuringCleanIsNotStored(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newTestCacher(t, store)

	started := make(chan struct{})
	release := make(chan struct{})
	oldDone := make(chan interface{}, 1)
	go func() {
		v, _ := c.GetOrFetch(ctx, "posts.get:1", func(context.Context) (interface{}, error) {
			close(started)
			<-release
			return map[string]interface{}{"title": "old"}, nil
		})
		oldDone <- v
	}()
	<-started

	if _, err := c.Clean(ctx, "posts.*"); err != nil {
		t.Fatalf("Clean() error = %v", err)
	}

	// A read after the clean must not join the flight that started before it.
	fresh, err := c.GetOrFetch(ctx, "posts.get:1", func(context.Context) (interface{}, error) {
		return map[string]interface{}{"title": "new"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if title := fresh.(map[string]interface{})["title"]; title != "new" {
		t.Fatalf("read after clean = %v, want new", title)
	}

	close(release)
	old := <-oldDone
	if title := old.(map[string]interface{})["title"]; title != "old" {
		t.Fatalf("in-flight caller got %v, want its own result", title)
	}

	var calls int32
	got, err := c.GetOrFetch(ctx, "posts.get:1", counting(&calls, map[string]interface{}{"title": "refetched"}))
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if title := got.(map[string]interface{})["title"]; title != "new" {
		t.Fatalf("cached value = %v, want new", title)
	}
	if calls != 0 {
		t.Fatalf("fetch calls = %d, want the fresh entry to be served", calls)
	}
}

func TestCacher_Clean(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newTestCacher(t, store)
	var calls int32
	_, _ = c.GetOrFetch(ctx, "posts.get:1", counting(&calls, "a"))
	_, _ = c.GetOrFetch(ctx, "users.get:1", counting(&calls, "b"))

	removed, err := c.Clean(ctx, "posts.*")
	if err != nil || removed != 1 {
		t.Fatalf("Clean() = %d, %v", removed, err)
	}
	_, _ = c.GetOrFetch(ctx, "posts.get:1", counting(&calls, "a"))
	if calls != 3 {
		t.Fatalf("cleaned key served from cache")
	}

	failing := newTestCacher(t, &failingStore{InMemoryStore: store, cleanErr: errors.New("scan")})
	if _, err := failing.Clean(ctx, "posts.*"); err == nil {
		t.Fatalf("expected clean error")
	}
}

func TestCacher_SubscribeAppliesCleanEvents(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	c := newTestCacher(t, store)
	consumer := &fakeConsumer{}
	if err := c.Subscribe(ctx, consumer); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if consumer.topic != "cache.clean" {
		t.Fatalf("subscribed to %q", consumer.topic)
	}

	tests := []struct {
		name    string
		payload string
		left    int
	}{
		{"json string payload", `"posts.*"`, 1},
		{"bare pattern payload", "users.*", 0},
		{"malformed payload is ignored", `"unterminated`, 0},
		{"empty payload is ignored", "  ", 0},
	}
	_ = store.Set(ctx, "posts.get:1", []byte("1"), 0)
	_ = store.Set(ctx, "users.get:1", []byte("1"), 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := consumer.handler(ctx, &eventbus.Message{ID: "m", Value: []byte(tt.payload)}); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if store.Len() != tt.left {
				t.Fatalf("entries left = %d, want %d", store.Len(), tt.left)
			}
		})
	}
}
