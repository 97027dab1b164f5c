package persistence

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"reflect"
	"slices"
)

// Dict wraps a map. Keys and values are resolved independently: either
// side may be a reference type. Enumeration follows insertion order; keys
// loaded from the store are ordered by identity or value.
type Dict struct {
	wrapperBase
	key     *typeInfo
	value   *typeInfo
	entries reflect.Value

	// order holds the source keys in enumeration order.
	order []any
	// persistedKeys and persisted map source keys to the presented key and
	// value when that side is tracked.
	persistedKeys map[any]any
	persisted     map[any]any
}

func newDict(ctx context.Context, c *Cache, info *typeInfo, id int64, source any) (*Dict, error) {
	d := &Dict{key: info.key, value: info.elem}
	d.init(c, info, id, source, d)
	d.entries = reflect.ValueOf(source)

	if d.key.tracked() {
		d.persistedKeys = make(map[any]any, d.entries.Len())
	}
	if d.value.tracked() {
		d.persisted = make(map[any]any, d.entries.Len())
	}

	entries := d.entries.MapRange()
	for entries.Next() {
		rk := entries.Key().Interface()
		if d.key.tracked() {
			p, err := c.getPresented(ctx, d.key, rk)
			if err != nil {
				return nil, err
			}
			d.persistedKeys[rk] = p
		}
		if d.value.tracked() {
			p, err := c.getPresented(ctx, d.value, entries.Value().Interface())
			if err != nil {
				return nil, err
			}
			d.persisted[rk] = p
		}
		d.order = append(d.order, rk)
	}
	slices.SortFunc(d.order, func(a, b any) int {
		return compareKeys(d.heldKey(a), d.heldKey(b))
	})
	return d, nil
}

func (d *Dict) Presented() any   { return d }
func (d *Dict) Wrapper() Wrapper { return d }

func (d *Dict) tracked() bool { return d.key.tracked() || d.value.tracked() }

// heldKey returns the presented key stored for rk without resolving it.
func (d *Dict) heldKey(rk any) any {
	if d.key.tracked() {
		return d.persistedKeys[rk]
	}
	return rk
}

func (d *Dict) keyOf(rk any) any {
	return d.cache.present(d.heldKey(rk))
}

func (d *Dict) rawKey(rk any) reflect.Value {
	if rk == nil {
		return reflect.Zero(d.key.typ)
	}
	return reflect.ValueOf(rk)
}

func (d *Dict) valueOf(rk any) (any, bool) {
	v := d.entries.MapIndex(d.rawKey(rk))
	if !v.IsValid() {
		return nil, false
	}
	if d.value.tracked() {
		return d.cache.present(d.persisted[rk]), true
	}
	return v.Interface(), true
}

// heldValue returns the presented value stored for rk without resolving it.
func (d *Dict) heldValue(rk any) any {
	if d.value.tracked() {
		return d.persisted[rk]
	}
	return nil
}

// Len returns the number of entries.
func (d *Dict) Len(ctx context.Context) int {
	var n int
	d.read(ctx, func() { n = len(d.order) })
	return n
}

// Get returns the value stored under key in presented form.
func (d *Dict) Get(ctx context.Context, key any) (any, bool, error) {
	k, found, err := d.cache.lookupElement(ctx, d.key, key)
	if err != nil || !found {
		return nil, false, err
	}

	var (
		out any
		ok  bool
	)
	d.read(ctx, func() { out, ok = d.valueOf(k.raw.Interface()) })
	return out, ok, nil
}

// ContainsKey reports whether key has an entry.
func (d *Dict) ContainsKey(ctx context.Context, key any) (bool, error) {
	_, ok, err := d.Get(ctx, key)
	return ok, err
}

// Set stores value under key, replacing any previous value.
func (d *Dict) Set(ctx context.Context, key, value any) error {
	return d.put(ctx, key, value, true)
}

// Add stores value under key and fails if key already has an entry.
func (d *Dict) Add(ctx context.Context, key, value any) error {
	return d.put(ctx, key, value, false)
}

func (d *Dict) put(ctx context.Context, key, value any, replace bool) error {
	if err := d.assertLocked(ctx); err != nil {
		return err
	}
	k, err := d.cache.element(ctx, d.key, key)
	if err != nil {
		return err
	}
	v, err := d.cache.element(ctx, d.value, value)
	if err != nil {
		return err
	}

	rk := k.raw.Interface()
	exists := d.entries.MapIndex(k.raw).IsValid()
	if exists && !replace {
		return duplicateKey(d.id, key)
	}
	if err := d.modified(); err != nil {
		return err
	}

	if !exists {
		if err := k.retain(); err != nil {
			return err
		}
	}
	if err := v.retain(); err != nil {
		if !exists {
			k.undo()
		}
		return err
	}
	if exists {
		if err := d.cache.adjust(d.heldValue(rk), -1); err != nil {
			v.undo()
			return err
		}
	}

	d.entries.SetMapIndex(k.raw, v.raw)
	if d.value.tracked() {
		d.persisted[rk] = v.presented
	}
	if !exists {
		d.order = append(d.order, rk)
		if d.key.tracked() {
			d.persistedKeys[rk] = k.presented
		}
	}
	return nil
}

// Remove deletes the entry for key and reports whether it existed.
func (d *Dict) Remove(ctx context.Context, key any) (bool, error) {
	if err := d.assertLocked(ctx); err != nil {
		return false, err
	}
	k, found, err := d.cache.lookupElement(ctx, d.key, key)
	if err != nil || !found {
		return false, err
	}

	rk := k.raw.Interface()
	if !d.entries.MapIndex(k.raw).IsValid() {
		return false, nil
	}
	if err := d.modified(); err != nil {
		return false, err
	}
	if err := d.cache.releaseAll([]any{d.heldKey(rk), d.heldValue(rk)}); err != nil {
		return false, err
	}

	d.entries.SetMapIndex(k.raw, reflect.Value{})
	delete(d.persisted, rk)
	delete(d.persistedKeys, rk)
	if i := slices.Index(d.order, rk); i >= 0 {
		d.order = slices.Delete(d.order, i, i+1)
	}
	return true, nil
}

// Clear removes every entry.
func (d *Dict) Clear(ctx context.Context) error {
	if err := d.assertLocked(ctx); err != nil {
		return err
	}
	if err := d.modified(); err != nil {
		return err
	}
	if err := d.cache.releaseAll(d.held()); err != nil {
		return err
	}

	d.entries.Clear()
	d.order = nil
	clear(d.persisted)
	clear(d.persistedKeys)
	return nil
}

// Keys returns a copy of the keys in presented form.
func (d *Dict) Keys(ctx context.Context) []any {
	var out []any
	d.read(ctx, func() {
		out = make([]any, len(d.order))
		for i, rk := range d.order {
			out[i] = d.keyOf(rk)
		}
	})
	return out
}

// Values returns a copy of the values in presented form, in key order.
func (d *Dict) Values(ctx context.Context) []any {
	var out []any
	d.read(ctx, func() { _, out = d.snapshot() })
	return out
}

// At returns the entry at position i of the enumeration order.
func (d *Dict) At(ctx context.Context, i int) (key, value any, err error) {
	d.read(ctx, func() {
		if i < 0 || i >= len(d.order) {
			err = outOfRange(d.id, i, len(d.order))
			return
		}
		rk := d.order[i]
		key = d.keyOf(rk)
		value, _ = d.valueOf(rk)
	})
	return key, value, err
}

// Iterator returns a cursor positioned before the first entry.
func (d *Dict) Iterator(ctx context.Context) *DictIterator {
	return &DictIterator{dict: d, ctx: ctx, index: -1}
}

// All iterates over the entries in presented form.
func (d *Dict) All(ctx context.Context) iter.Seq2[any, any] {
	return func(yield func(any, any) bool) {
		it := d.Iterator(ctx)
		for it.Next() {
			if !yield(it.Key(), it.Value()) {
				return
			}
		}
	}
}

func (d *Dict) release(ctx context.Context) error {
	if !d.key.counted && !d.value.counted {
		return nil
	}
	var held []any
	d.read(ctx, func() { held = d.held() })
	return d.cache.releaseAll(held)
}

// held lists the presented keys and values the dictionary references.
func (d *Dict) held() []any {
	var out []any
	for _, rk := range d.order {
		if d.key.tracked() {
			out = append(out, d.persistedKeys[rk])
		}
		if d.value.tracked() {
			out = append(out, d.persisted[rk])
		}
	}
	return out
}

func (d *Dict) snapshot() (keys, values []any) {
	keys = make([]any, len(d.order))
	values = make([]any, len(d.order))
	for i, rk := range d.order {
		keys[i] = d.keyOf(rk)
		values[i], _ = d.valueOf(rk)
	}
	return keys, values
}

// DictIterator walks a Dict by position.
type DictIterator struct {
	dict  *Dict
	ctx   context.Context
	index int
	key   any
	value any
}

// Next advances to the next entry.
func (it *DictIterator) Next() bool {
	k, v, err := it.dict.At(it.ctx, it.index+1)
	if err != nil {
		return false
	}
	it.index++
	it.key, it.value = k, v
	return true
}

func (it *DictIterator) Index() int { return it.index }
func (it *DictIterator) Key() any   { return it.key }
func (it *DictIterator) Value() any { return it.value }

// Reset moves the cursor back before the first entry.
func (it *DictIterator) Reset() {
	it.index = -1
	it.key, it.value = nil, nil
}

// compareKeys orders keys loaded from the store: references by identity,
// scalars by value.
func compareKeys(a, b any) int {
	pa, aok := a.(Persistent)
	pb, bok := b.(Persistent)
	if aok && bok {
		return cmp.Compare(pa.Wrapper().ID(), pb.Wrapper().ID())
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.IsValid() && vb.IsValid() && va.Kind() == vb.Kind() {
		switch va.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return cmp.Compare(va.Int(), vb.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return cmp.Compare(va.Uint(), vb.Uint())
		case reflect.Float32, reflect.Float64:
			return cmp.Compare(va.Float(), vb.Float())
		case reflect.String:
			return cmp.Compare(va.String(), vb.String())
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
