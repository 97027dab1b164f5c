package store

import (
	"fmt"
	"reflect"

	"github.com/goliatone/go-object-cache/internal/graph"
	"github.com/vmihailenco/msgpack/v5"
)

// document is the msgpack payload of one object row. Only one of Fields,
// Items or Keys/Values is used, depending on the object kind. References are
// encoded as identities, zero meaning nil.
type document struct {
	Refs   *int64                        `msgpack:"refs,omitempty"`
	Fields map[string]msgpack.RawMessage `msgpack:"fields,omitempty"`
	Items  []msgpack.RawMessage          `msgpack:"items,omitempty"`
	Keys   []msgpack.RawMessage          `msgpack:"keys,omitempty"`
	Values []msgpack.RawMessage          `msgpack:"values,omitempty"`
}

// encodeLocked serializes v one level deep. Referenced objects without an
// identity are assigned one and appended to fresh, so the caller can store
// them as well.
func (s *ObjectStore) encodeLocked(v reflect.Value, fresh *[]reflect.Value) ([]byte, error) {
	var doc document
	if c, ok := v.Interface().(graph.ReferenceCounter); ok {
		n := c.ReferenceCount()
		doc.Refs = &n
	}

	t := v.Type()
	switch {
	case graph.IsEntity(t):
		elem := v.Elem()
		fields := graph.Fields(elem.Type())
		doc.Fields = make(map[string]msgpack.RawMessage, len(fields))
		for _, f := range fields {
			raw, err := s.encodeValueLocked(elem.FieldByIndex(f.Index), fresh)
			if err != nil {
				return nil, fmt.Errorf("encode field %s.%s: %w", elem.Type(), f.Name, err)
			}
			doc.Fields[f.Name] = raw
		}
	case graph.IsList(t):
		items := v.Elem()
		doc.Items = make([]msgpack.RawMessage, items.Len())
		for i := range doc.Items {
			raw, err := s.encodeValueLocked(items.Index(i), fresh)
			if err != nil {
				return nil, fmt.Errorf("encode item %d: %w", i, err)
			}
			doc.Items[i] = raw
		}
	case graph.IsDict(t):
		iter := v.MapRange()
		for iter.Next() {
			k, err := s.encodeValueLocked(iter.Key(), fresh)
			if err != nil {
				return nil, fmt.Errorf("encode key: %w", err)
			}
			val, err := s.encodeValueLocked(iter.Value(), fresh)
			if err != nil {
				return nil, fmt.Errorf("encode value: %w", err)
			}
			doc.Keys = append(doc.Keys, k)
			doc.Values = append(doc.Values, val)
		}
	default:
		return nil, fmt.Errorf("encode %s: %w", t, ErrUnregistered)
	}

	return msgpack.Marshal(&doc)
}

func (s *ObjectStore) encodeValueLocked(v reflect.Value, fresh *[]reflect.Value) (msgpack.RawMessage, error) {
	if !graph.IsReference(v.Type()) {
		return msgpack.Marshal(v.Interface())
	}
	if v.IsNil() {
		return msgpack.Marshal(int64(0))
	}

	e, ok := s.lookupLocked(v)
	if !ok {
		var err error
		if e, err = s.registerLocked(v, true); err != nil {
			return nil, err
		}
		*fresh = append(*fresh, v)
	}
	return msgpack.Marshal(e.id)
}

// decodeLocked fills v from a stored document. References become stubs.
func (s *ObjectStore) decodeLocked(v reflect.Value, data []byte) error {
	var doc document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", v.Type(), err)
	}

	t := v.Type()
	switch {
	case graph.IsEntity(t):
		elem := v.Elem()
		for _, f := range graph.Fields(elem.Type()) {
			raw, ok := doc.Fields[f.Name]
			if !ok {
				continue
			}
			if err := s.decodeValueLocked(raw, elem.FieldByIndex(f.Index)); err != nil {
				return fmt.Errorf("decode field %s.%s: %w", elem.Type(), f.Name, err)
			}
		}
	case graph.IsList(t):
		items := reflect.MakeSlice(t.Elem(), len(doc.Items), len(doc.Items))
		for i, raw := range doc.Items {
			if err := s.decodeValueLocked(raw, items.Index(i)); err != nil {
				return fmt.Errorf("decode item %d: %w", i, err)
			}
		}
		v.Elem().Set(items)
	case graph.IsDict(t):
		if len(doc.Keys) != len(doc.Values) {
			return fmt.Errorf("decode %s: %d keys for %d values: %w", t, len(doc.Keys), len(doc.Values), ErrTypeMismatch)
		}
		for i := range doc.Keys {
			k := reflect.New(t.Key()).Elem()
			if err := s.decodeValueLocked(doc.Keys[i], k); err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			val := reflect.New(t.Elem()).Elem()
			if err := s.decodeValueLocked(doc.Values[i], val); err != nil {
				return fmt.Errorf("decode value: %w", err)
			}
			v.SetMapIndex(k, val)
		}
	}

	if doc.Refs != nil {
		if c, ok := v.Interface().(graph.ReferenceCounter); ok {
			c.SetReferenceCount(*doc.Refs)
		}
	}
	return nil
}

func (s *ObjectStore) decodeValueLocked(raw msgpack.RawMessage, target reflect.Value) error {
	if !graph.IsReference(target.Type()) {
		return msgpack.Unmarshal(raw, target.Addr().Interface())
	}

	var id int64
	if err := msgpack.Unmarshal(raw, &id); err != nil {
		return err
	}
	if _, gone := s.tombstones[id]; id == 0 || gone {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}

	e, err := s.stubLocked(id, target.Type())
	if err != nil {
		return err
	}
	target.Set(e.value)
	return nil
}

// referencesOf returns the non nil reference values v points at.
func referencesOf(v reflect.Value) []reflect.Value {
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
		items := v.Elem()
		for i := 0; i < items.Len(); i++ {
			add(items.Index(i))
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
