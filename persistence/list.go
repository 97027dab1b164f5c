package persistence

import (
	"context"
	"iter"
	"reflect"
	"slices"
)

// List wraps a pointer to a slice. When the element type is a reference
// type it keeps a parallel slice of presented elements in step with the
// source; otherwise it reads and writes the source slice directly.
type List struct {
	wrapperBase
	elem      *typeInfo
	items     reflect.Value
	persisted []any
}

func newList(ctx context.Context, c *Cache, info *typeInfo, id int64, source any) (*List, error) {
	l := &List{elem: info.elem}
	l.init(c, info, id, source, l)
	l.items = reflect.ValueOf(source).Elem()

	if l.elem.tracked() {
		n := l.items.Len()
		l.persisted = make([]any, n)
		for i := 0; i < n; i++ {
			p, err := c.getPresented(ctx, l.elem, l.items.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			l.persisted[i] = p
		}
	}
	return l, nil
}

func (l *List) Presented() any   { return l }
func (l *List) Wrapper() Wrapper { return l }

func (l *List) tracked() bool { return l.elem.tracked() }

// Len returns the number of elements.
func (l *List) Len(ctx context.Context) int {
	var n int
	l.read(ctx, func() { n = l.items.Len() })
	return n
}

// At returns the element at index i in presented form.
func (l *List) At(ctx context.Context, i int) (any, error) {
	var (
		out any
		err error
	)
	l.read(ctx, func() {
		if err = l.checkIndex(i, l.items.Len()); err != nil {
			return
		}
		out = l.valueAt(i)
	})
	return out, err
}

func (l *List) valueAt(i int) any {
	if l.tracked() {
		return l.cache.present(l.persisted[i])
	}
	return l.items.Index(i).Interface()
}

// Items returns a copy of the elements in presented form.
func (l *List) Items(ctx context.Context) []any {
	var out []any
	l.read(ctx, func() {
		out = make([]any, l.items.Len())
		for i := range out {
			out[i] = l.valueAt(i)
		}
	})
	return out
}

// IndexOf returns the position of v, or -1. References match by identity
// in either raw or presented form; plain values match by equality.
func (l *List) IndexOf(ctx context.Context, v any) int {
	idx := -1
	l.read(ctx, func() {
		for i := 0; i < l.items.Len(); i++ {
			if l.matches(i, v) {
				idx = i
				return
			}
		}
	})
	return idx
}

func (l *List) matches(i int, v any) bool {
	if !l.tracked() {
		return reflect.DeepEqual(l.items.Index(i).Interface(), v)
	}
	if p, ok := v.(Persistent); ok {
		v = p.Source()
	}
	return sameObject(l.items.Index(i).Interface(), v)
}

// Contains reports whether v is an element of the list.
func (l *List) Contains(ctx context.Context, v any) bool {
	return l.IndexOf(ctx, v) >= 0
}

// Set replaces the element at index i.
func (l *List) Set(ctx context.Context, i int, v any) error {
	if err := l.assertLocked(ctx); err != nil {
		return err
	}
	el, err := l.cache.element(ctx, l.elem, v)
	if err != nil {
		return err
	}
	if err := l.checkIndex(i, l.items.Len()); err != nil {
		return err
	}
	if err := l.modified(); err != nil {
		return err
	}

	if err := el.retain(); err != nil {
		return err
	}
	if l.tracked() {
		if err := l.cache.adjust(l.persisted[i], -1); err != nil {
			el.undo()
			return err
		}
		l.persisted[i] = el.presented
	}
	l.items.Index(i).Set(el.raw)
	return nil
}

// Add appends v.
func (l *List) Add(ctx context.Context, v any) error {
	return l.insert(ctx, -1, v)
}

// Insert places v at index i, shifting later elements. i may equal Len.
func (l *List) Insert(ctx context.Context, i int, v any) error {
	if i < 0 {
		return outOfRange(l.id, i, l.Len(ctx)+1)
	}
	return l.insert(ctx, i, v)
}

// insert treats a negative index as the end of the list.
func (l *List) insert(ctx context.Context, i int, v any) error {
	if err := l.assertLocked(ctx); err != nil {
		return err
	}
	el, err := l.cache.element(ctx, l.elem, v)
	if err != nil {
		return err
	}

	n := l.items.Len()
	if i < 0 {
		i = n
	}
	if err := l.checkIndex(i, n+1); err != nil {
		return err
	}
	if err := l.modified(); err != nil {
		return err
	}

	if err := el.retain(); err != nil {
		return err
	}
	l.items.Set(reflect.Append(l.items, reflect.Zero(l.elem.typ)))
	reflect.Copy(l.items.Slice(i+1, n+1), l.items.Slice(i, n))
	l.items.Index(i).Set(el.raw)
	if l.tracked() {
		l.persisted = slices.Insert(l.persisted, i, el.presented)
	}
	return nil
}

// Remove deletes the first occurrence of v and reports whether it was found.
func (l *List) Remove(ctx context.Context, v any) (bool, error) {
	if err := l.assertLocked(ctx); err != nil {
		return false, err
	}
	i := l.IndexOf(ctx, v)
	if i < 0 {
		return false, nil
	}
	return true, l.RemoveAt(ctx, i)
}

// RemoveAt deletes the element at index i.
func (l *List) RemoveAt(ctx context.Context, i int) error {
	if err := l.assertLocked(ctx); err != nil {
		return err
	}
	n := l.items.Len()
	if err := l.checkIndex(i, n); err != nil {
		return err
	}
	if err := l.modified(); err != nil {
		return err
	}

	if l.tracked() {
		if err := l.cache.adjust(l.persisted[i], -1); err != nil {
			return err
		}
		l.persisted = slices.Delete(l.persisted, i, i+1)
	}
	reflect.Copy(l.items.Slice(i, n-1), l.items.Slice(i+1, n))
	l.items.Index(n - 1).Set(reflect.Zero(l.elem.typ))
	l.items.SetLen(n - 1)
	return nil
}

// Clear removes every element.
func (l *List) Clear(ctx context.Context) error {
	if err := l.assertLocked(ctx); err != nil {
		return err
	}
	if err := l.modified(); err != nil {
		return err
	}
	if err := l.cache.releaseAll(l.persisted); err != nil {
		return err
	}

	l.persisted = l.persisted[:0:0]
	l.items.Clear()
	l.items.SetLen(0)
	return nil
}

// Iterator returns a cursor positioned before the first element.
func (l *List) Iterator(ctx context.Context) *ListIterator {
	return &ListIterator{list: l, ctx: ctx, index: -1}
}

// All iterates over the elements in presented form. Each step reads under
// the lock, so the sequence reflects concurrent changes.
func (l *List) All(ctx context.Context) iter.Seq2[int, any] {
	return func(yield func(int, any) bool) {
		it := l.Iterator(ctx)
		for it.Next() {
			if !yield(it.Index(), it.Value()) {
				return
			}
		}
	}
}

func (l *List) release(ctx context.Context) error {
	if !l.elem.counted {
		return nil
	}
	return l.cache.releaseAll(l.Items(ctx))
}

func (l *List) checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return outOfRange(l.id, i, n)
	}
	return nil
}

// ListIterator walks a List by index.
type ListIterator struct {
	list    *List
	ctx     context.Context
	index   int
	current any
}

// Next advances to the next element.
func (it *ListIterator) Next() bool {
	v, err := it.list.At(it.ctx, it.index+1)
	if err != nil {
		return false
	}
	it.index++
	it.current = v
	return true
}

func (it *ListIterator) Index() int { return it.index }
func (it *ListIterator) Value() any { return it.current }

// Reset moves the cursor back before the first element.
func (it *ListIterator) Reset() {
	it.index = -1
	it.current = nil
}
