package persistence

import (
	"context"
	"reflect"

	"github.com/goliatone/go-errors"
)

// Entity wraps a pointer to a struct. Callers work with its Proxy.
type Entity struct {
	wrapperBase
	proxy *Proxy
}

func newEntity(c *Cache, info *typeInfo, id int64, source any) *Entity {
	e := &Entity{}
	e.init(c, info, id, source, e)
	e.proxy = &Proxy{entity: e}
	return e
}

func (e *Entity) Presented() any { return e.proxy }

// Proxy returns the presented view of the entity.
func (e *Entity) Proxy() *Proxy { return e.proxy }

func (e *Entity) field(p *property) reflect.Value {
	return reflect.ValueOf(e.source).Elem().Field(p.index)
}

func (e *Entity) property(name string) (*property, error) {
	p, ok := e.info.props[name]
	if !ok {
		return nil, unknownProperty(e.info.typ, name)
	}
	return p, nil
}

func (e *Entity) getProperty(ctx context.Context, p *property) (any, error) {
	if p.refCount {
		var n int64
		e.read(ctx, func() { n = e.referenceCount() })
		return n, nil
	}

	var raw any
	e.read(ctx, func() { raw = e.field(p).Interface() })
	if !p.info.tracked() {
		return raw, nil
	}
	return e.cache.getPresented(ctx, p.info, raw)
}

func (e *Entity) setProperty(ctx context.Context, p *property, value any) error {
	if err := e.assertLocked(ctx); err != nil {
		return err
	}
	if p.refCount {
		return invariantViolation(e.id, p.name)
	}

	fv := e.field(p)
	if !p.info.tracked() {
		v, err := coerce(value, fv.Type())
		if err != nil {
			return err
		}
		if err := e.modified(); err != nil {
			return err
		}
		fv.Set(v)
		return nil
	}

	next, err := e.cache.element(ctx, p.info, value)
	if err != nil {
		return err
	}
	if err := e.modified(); err != nil {
		return err
	}
	if err := next.retain(); err != nil {
		return err
	}
	if p.info.counted && !fv.IsNil() {
		if err := e.cache.releaseRaw(ctx, fv.Interface()); err != nil {
			next.undo()
			return err
		}
	}
	fv.Set(next.raw)
	return nil
}

// release drops the references held by tracked properties.
func (e *Entity) release(ctx context.Context) error {
	var refs []any
	e.read(ctx, func() {
		for _, name := range e.info.names {
			p := e.info.props[name]
			if p.refCount || !p.info.counted {
				continue
			}
			if fv := e.field(p); !fv.IsNil() {
				refs = append(refs, fv.Interface())
			}
		}
	})

	var errs []error
	for _, raw := range refs {
		if err := e.cache.releaseRaw(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Proxy is the presented form of an entity: property reads resolve
// references through the cache and property writes require the entity lock.
type Proxy struct {
	entity *Entity
}

// Source returns the raw struct pointer. Reading it directly bypasses the
// read lock.
func (p *Proxy) Source() any { return p.entity.source }

// Wrapper returns the cache wrapper behind the proxy.
func (p *Proxy) Wrapper() Wrapper { return p.entity }

// ID is the store identity of the entity.
func (p *Proxy) ID() int64 { return p.entity.id }

// Get reads a property. References come back in presented form: *Proxy,
// *List or *Dict. A nil reference returns nil.
func (p *Proxy) Get(ctx context.Context, name string) (any, error) {
	prop, err := p.entity.property(name)
	if err != nil {
		return nil, err
	}
	return p.entity.getProperty(ctx, prop)
}

// Set writes a property. The caller must hold the entity lock. References
// may be given in raw or presented form; new objects are stored.
func (p *Proxy) Set(ctx context.Context, name string, value any) error {
	prop, err := p.entity.property(name)
	if err != nil {
		return err
	}
	return p.entity.setProperty(ctx, prop, value)
}

// Ref reads an entity reference property.
func (p *Proxy) Ref(ctx context.Context, name string) (*Proxy, error) {
	return Field[*Proxy](ctx, p, name)
}

// List reads a list property.
func (p *Proxy) List(ctx context.Context, name string) (*List, error) {
	return Field[*List](ctx, p, name)
}

// Dict reads a dictionary property.
func (p *Proxy) Dict(ctx context.Context, name string) (*Dict, error) {
	return Field[*Dict](ctx, p, name)
}

// View runs fn with the raw struct under the read lock, for reading several
// fields consistently. fn must not modify the source.
func (p *Proxy) View(ctx context.Context, fn func(source any)) {
	p.entity.read(ctx, func() { fn(p.entity.source) })
}

// Field reads a property and converts it to T. A nil value yields the zero T.
func Field[T any](ctx context.Context, p *Proxy, name string) (T, error) {
	var zero T
	v, err := p.Get(ctx, name)
	if err != nil || v == nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, invalidValue(reflect.TypeOf(zero), v)
	}
	return out, nil
}

// coerce converts value to t. Numeric values convert between numeric kinds.
func coerce(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, invalidValue(t, value)
	}

	v := reflect.ValueOf(value)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if numeric(v.Kind()) && numeric(t.Kind()) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, invalidValue(t, value)
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
