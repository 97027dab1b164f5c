package persistence

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-object-cache/internal/graph"
)

// spyStore is an in-memory Store that counts calls.
type spyStore struct {
	mu      sync.Mutex
	next    int64
	ids     map[graph.Key]int64
	objects map[int64]any
	deleted map[int64]bool

	stores  []int64
	deletes []int64
	commits int

	storeErr error
}

func newSpyStore() *spyStore {
	return &spyStore{
		ids:     make(map[graph.Key]int64),
		objects: make(map[int64]any),
		deleted: make(map[int64]bool),
	}
}

func (s *spyStore) IdentityOf(obj any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := graph.KeyOf(obj)
	if !ok {
		return 0
	}
	return s.ids[key]
}

func (s *spyStore) Store(ctx context.Context, obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}

	id := s.assignLocked(reflect.ValueOf(obj))
	s.stores = append(s.stores, id)

	queue := []reflect.Value{reflect.ValueOf(obj)}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, child := range children(v) {
			key, _ := graph.KeyOf(child.Interface())
			if _, known := s.ids[key]; known {
				continue
			}
			s.assignLocked(child)
			queue = append(queue, child)
		}
	}
	return nil
}

func (s *spyStore) assignLocked(v reflect.Value) int64 {
	key, _ := graph.KeyOf(v.Interface())
	if id, ok := s.ids[key]; ok {
		return id
	}
	s.next++
	s.ids[key] = s.next
	s.objects[s.next] = v.Interface()
	return s.next
}

func (s *spyStore) IsActive(obj any) bool { return true }

func (s *spyStore) Activate(ctx context.Context, obj any, depth int) error { return nil }

func (s *spyStore) Fetch(ctx context.Context, id int64) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok || s.deleted[id] {
		return nil, errors.New(fmt.Sprintf("object %d not found", id), errors.CategoryNotFound)
	}
	return obj, nil
}

func (s *spyStore) IDsOf(ctx context.Context, t reflect.Type) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, obj := range s.objects {
		if !s.deleted[id] && reflect.TypeOf(obj) == t {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *spyStore) Delete(ctx context.Context, obj any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, _ := graph.KeyOf(obj)
	id := s.ids[key]
	s.deleted[id] = true
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *spyStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

func (s *spyStore) storeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stores)
}

func (s *spyStore) isDeleted(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[id]
}

func children(v reflect.Value) []reflect.Value {
	var out []reflect.Value
	add := func(c reflect.Value) {
		if graph.IsReference(c.Type()) && !c.IsNil() {
			out = append(out, c)
		}
	}
	t := v.Type()
	switch {
	case graph.IsEntity(t):
		elem := v.Elem()
		for _, f := range graph.Fields(elem.Type()) {
			add(elem.FieldByIndex(f.Index))
		}
	case graph.IsList(t):
		for i := 0; i < v.Elem().Len(); i++ {
			add(v.Elem().Index(i))
		}
	case graph.IsDict(t):
		iter := v.MapRange()
		for iter.Next() {
			add(iter.Key())
			add(iter.Value())
		}
	}
	return out
}

type Item struct {
	RefCounted
	Name string
}

type Order struct {
	Title string
	Qty   int
	When  time.Time
	Item  *Item
	Items *[]*Item
	Tags  map[string]*Item
	Notes *[]string
	Meta  map[string]int
	Next  *Order
	Extra any `persist:"-"`
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CacheLife = time.Hour
	return cfg
}

func newTestCache(tb interface{ Fatalf(string, ...any) }, cfg Config) (*Cache, *spyStore) {
	s := newSpyStore()
	c, err := NewCache(s, cfg)
	if err != nil {
		tb.Fatalf("failed to create cache: %v", err)
	}
	return c, s
}

// locked returns a context whose owner holds the write lock of every value.
func locked(tb interface{ Fatalf(string, ...any) }, values ...any) context.Context {
	ctx := WithOwner(context.Background())
	for _, v := range values {
		w, err := wrapperOf("lock", v)
		if err != nil {
			tb.Fatalf("lock: %v", err)
		}
		if !w.Lock(ctx, true) {
			tb.Fatalf("could not lock %T", v)
		}
	}
	return ctx
}
