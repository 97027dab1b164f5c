package persistence

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/goliatone/go-object-cache/pkg/testsupport"
)

func presentList(t *testing.T, c *Cache, order *Order, name string) *List {
	t.Helper()
	proxy := present(t, c, order)
	l, err := proxy.List(context.Background(), name)
	if err != nil {
		t.Fatalf("read list %s: %v", name, err)
	}
	if l == nil {
		t.Fatalf("expected list %s to be presented", name)
	}
	return l
}

func TestList_TrackedOperations(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	items := presentList(t, c, &Order{Items: &[]*Item{}}, "Items")
	i1 := present(t, c, &Item{Name: "one"})
	i2 := present(t, c, &Item{Name: "two"})
	i3 := present(t, c, &Item{Name: "three"})
	ctx := locked(t, items)

	if err := items.Add(ctx, i1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := items.Add(ctx, i2.Source()); err != nil {
		t.Fatalf("add raw: %v", err)
	}
	if err := items.Insert(ctx, 0, i3); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if items.Len(ctx) != 3 {
		t.Fatalf("expected 3 items, got %d", items.Len(ctx))
	}
	first, err := items.At(ctx, 0)
	if err != nil || first != i3 {
		t.Errorf("expected the inserted proxy first, got %v (%v)", first, err)
	}
	if i := items.IndexOf(ctx, i1.Source()); i != 1 {
		t.Errorf("expected raw lookup at 1, got %d", i)
	}
	if !items.Contains(ctx, i2) {
		t.Error("expected presented lookup to match")
	}
	if items.Contains(ctx, &Item{}) {
		t.Error("expected an unknown item to be absent")
	}

	raw := *items.Source().(*[]*Item)
	want := []*Item{i3.Source().(*Item), i1.Source().(*Item), i2.Source().(*Item)}
	if !slices.Equal(raw, want) {
		t.Error("expected the source slice to follow the list")
	}

	found, err := items.Remove(ctx, i1)
	if err != nil || !found {
		t.Fatalf("expected remove to find the item, got %v (%v)", found, err)
	}
	if found, _ := items.Remove(ctx, i1); found {
		t.Error("expected a second remove to find nothing")
	}
	if got := items.Items(ctx); !slices.Equal(got, []any{i3, i2}) {
		t.Errorf("unexpected items after remove: %v", got)
	}
}

func TestList_ReferenceCounts(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	items := presentList(t, c, &Order{Items: &[]*Item{}}, "Items")
	a := present(t, c, &Item{Name: "a"})
	b := present(t, c, &Item{Name: "b"})
	ctx := locked(t, items)

	steps := []struct {
		name  string
		apply func() error
		wantA int64
		wantB int64
	}{
		{name: "add a", apply: func() error { return items.Add(ctx, a) }, wantA: 1},
		{name: "add a again", apply: func() error { return items.Add(ctx, a) }, wantA: 2},
		{name: "add b", apply: func() error { return items.Add(ctx, b) }, wantA: 2, wantB: 1},
		{name: "set same value", apply: func() error { return items.Set(ctx, 2, b) }, wantA: 2, wantB: 1},
		{name: "replace a with b", apply: func() error { return items.Set(ctx, 0, b) }, wantA: 1, wantB: 2},
		{name: "remove at", apply: func() error { return items.RemoveAt(ctx, 1) }, wantA: 0, wantB: 2},
		{name: "remove value", apply: func() error {
			_, err := items.Remove(ctx, b)
			return err
		}, wantA: 0, wantB: 1},
		{name: "add a back", apply: func() error { return items.Add(ctx, a) }, wantA: 1, wantB: 1},
		{name: "clear", apply: func() error { return items.Clear(ctx) }, wantA: 0, wantB: 0},
	}

	for _, step := range steps {
		if err := step.apply(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := refs(t, a); got != step.wantA {
			t.Errorf("%s: expected a count %d, got %d", step.name, step.wantA, got)
		}
		if got := refs(t, b); got != step.wantB {
			t.Errorf("%s: expected b count %d, got %d", step.name, step.wantB, got)
		}
	}

	if items.Len(ctx) != 0 {
		t.Errorf("expected an empty list, got %d", items.Len(ctx))
	}
}

func TestList_UntrackedOperations(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	order := &Order{Notes: &[]string{}}
	notes := presentList(t, c, order, "Notes")
	ctx := locked(t, notes)

	for _, n := range []string{"a", "b"} {
		if err := notes.Add(ctx, n); err != nil {
			t.Fatalf("add %s: %v", n, err)
		}
	}
	if err := notes.Insert(ctx, 1, "c"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := notes.Insert(ctx, 3, "d"); err != nil {
		t.Fatalf("insert at end: %v", err)
	}
	if got := notes.Items(ctx); !slices.Equal(got, []any{"a", "c", "b", "d"}) {
		t.Errorf("unexpected notes %v", got)
	}
	if i := notes.IndexOf(ctx, "b"); i != 2 {
		t.Errorf("expected b at 2, got %d", i)
	}

	if err := notes.Set(ctx, 0, "z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := notes.Remove(ctx, "c"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !slices.Equal(*order.Notes, []string{"z", "b", "d"}) {
		t.Errorf("expected the source slice to follow the list, got %v", *order.Notes)
	}

	if err := notes.Add(ctx, 3); !IsInvalidValue(err) {
		t.Errorf("expected INVALID_VALUE, got %v", err)
	}
	if notes.Len(ctx) != 3 {
		t.Errorf("expected rejected value to leave the list unchanged, got %d", notes.Len(ctx))
	}
}

func TestList_IndexErrors(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	notes := presentList(t, c, &Order{Notes: &[]string{"a"}}, "Notes")
	ctx := locked(t, notes)

	tests := []struct {
		name string
		call func() error
	}{
		{name: "at negative", call: func() error { _, err := notes.At(ctx, -1); return err }},
		{name: "at length", call: func() error { _, err := notes.At(ctx, 1); return err }},
		{name: "insert negative", call: func() error { return notes.Insert(ctx, -1, "x") }},
		{name: "insert past end", call: func() error { return notes.Insert(ctx, 2, "x") }},
		{name: "set negative", call: func() error { return notes.Set(ctx, -1, "x") }},
		{name: "set length", call: func() error { return notes.Set(ctx, 1, "x") }},
		{name: "remove at negative", call: func() error { return notes.RemoveAt(ctx, -1) }},
		{name: "remove at length", call: func() error { return notes.RemoveAt(ctx, 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !IsOutOfRange(err) {
				t.Errorf("expected INDEX_OUT_OF_RANGE, got %v", err)
			}
		})
	}

	if got := notes.Items(ctx); !slices.Equal(got, []any{"a"}) {
		t.Errorf("expected the list unchanged, got %v", got)
	}
}

func TestList_WriteRequiresLock(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	notes := presentList(t, c, &Order{Notes: &[]string{}}, "Notes")
	ctx := context.Background()

	if err := notes.Add(ctx, "a"); !IsAccessViolation(err) {
		t.Errorf("expected ACCESS_VIOLATION on add, got %v", err)
	}
	if err := notes.Clear(ctx); !IsAccessViolation(err) {
		t.Errorf("expected ACCESS_VIOLATION on clear, got %v", err)
	}
	if _, err := notes.Remove(ctx, "a"); !IsAccessViolation(err) {
		t.Errorf("expected ACCESS_VIOLATION on remove, got %v", err)
	}
}

func TestList_Iterator(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	notes := presentList(t, c, &Order{Notes: &[]string{"a", "b", "c"}}, "Notes")
	ctx := context.Background()

	it := notes.Iterator(ctx)
	var seen []any
	for it.Next() {
		seen = append(seen, it.Value())
	}
	if !slices.Equal(seen, []any{"a", "b", "c"}) {
		t.Errorf("unexpected iteration %v", seen)
	}
	if it.Next() {
		t.Error("expected an exhausted iterator to stay exhausted")
	}

	it.Reset()
	if !it.Next() || it.Index() != 0 || it.Value() != "a" {
		t.Errorf("expected reset to restart at a, got %d %v", it.Index(), it.Value())
	}

	var firstTwo []any
	for i, v := range notes.All(ctx) {
		if i == 2 {
			break
		}
		firstTwo = append(firstTwo, v)
	}
	if !slices.Equal(firstTwo, []any{"a", "b"}) {
		t.Errorf("expected early exit after two, got %v", firstTwo)
	}
}

func TestList_ParallelStateStaysConsistent(t *testing.T) {
	c, _ := newTestCache(t, testConfig())
	items := presentList(t, c, &Order{Items: &[]*Item{}}, "Items")
	pool := make([]*Proxy, 4)
	for i := range pool {
		pool[i] = present(t, c, &Item{Name: "pooled"})
	}

	const rounds = 50
	testsupport.RunConcurrently(t, 8, func(worker int) {
		ctx := WithOwner(context.Background())
		for r := 0; r < rounds; r++ {
			if worker%2 == 1 {
				items.read(ctx, func() {
					if len(items.persisted) != items.items.Len() {
						t.Errorf("parallel state diverged: %d vs %d", len(items.persisted), items.items.Len())
					}
				})
				continue
			}
			if !items.Lock(ctx, true) {
				t.Errorf("worker %d could not lock", worker)
				return
			}
			if err := items.Add(ctx, pool[r%len(pool)]); err != nil {
				t.Errorf("add: %v", err)
			}
			if r%3 == 0 {
				if err := items.RemoveAt(ctx, 0); err != nil {
					t.Errorf("remove: %v", err)
				}
			}
			items.Unlock(ctx)
		}
	})

	var total int64
	for _, p := range pool {
		total += refs(t, p)
	}
	if n := int64(items.Len(context.Background())); total != n {
		t.Errorf("expected reference counts to match list length %d, got %d", n, total)
	}
}

func TestList_ElementsEvictedWhileHeld(t *testing.T) {
	setup := func(t *testing.T) (*Cache, *List, *Item, context.Context, Wrapper) {
		cfg := testConfig()
		cfg.CacheLife = time.Nanosecond
		c, _ := newTestCache(t, cfg)
		raw := &Item{Name: "held"}
		items := presentList(t, c, &Order{Items: &[]*Item{raw}}, "Items")
		ctx := locked(t, items)

		first, err := items.At(ctx, 0)
		if err != nil {
			t.Fatalf("at: %v", err)
		}
		held := first.(*Proxy).Wrapper()
		time.Sleep(time.Millisecond)

		if _, err := c.Flush(context.Background()); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if _, ok := c.lookup(held.ID()); ok {
			t.Fatal("expected the element wrapper to be evicted")
		}
		return c, items, raw, ctx, held
	}

	t.Run("lookup before list access", func(t *testing.T) {
		c, items, raw, ctx, held := setup(t)

		w, err := c.Wrapper(context.Background(), raw)
		if err != nil {
			t.Fatalf("wrapper: %v", err)
		}
		if w == held {
			t.Fatal("expected a new wrapper after eviction")
		}
		at, _ := items.At(ctx, 0)
		if at != w.Presented() {
			t.Error("expected the list to present the registered wrapper")
		}

		if err := items.RemoveAt(ctx, 0); err != nil {
			t.Fatalf("expected remove to succeed, got %v", err)
		}
		if items.Len(ctx) != 0 {
			t.Errorf("expected an empty list, got %d", items.Len(ctx))
		}
		if got := refs(t, w.Presented().(*Proxy)); got != 0 {
			t.Errorf("expected count 0 after remove, got %d", got)
		}

		items.Unlock(ctx)
		stats, err := c.Flush(context.Background())
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		if stats.Purged != 1 {
			t.Errorf("expected the removed item to be purged, got %+v", stats)
		}
	})

	t.Run("list access before lookup", func(t *testing.T) {
		c, items, raw, ctx, held := setup(t)

		at, _ := items.At(ctx, 0)
		if at != held.Presented() {
			t.Error("expected the held wrapper to be registered again")
		}
		w, err := c.Wrapper(context.Background(), raw)
		if err != nil {
			t.Fatalf("wrapper: %v", err)
		}
		if w != held {
			t.Error("expected one wrapper per identity")
		}

		if err := items.Clear(ctx); err != nil {
			t.Fatalf("expected clear to succeed, got %v", err)
		}
		if got := refs(t, at.(*Proxy)); got != 0 {
			t.Errorf("expected count 0 after clear, got %d", got)
		}
	})
}
