package store

import (
	"fmt"
	"reflect"

	"github.com/goliatone/go-object-cache/internal/graph"
)

// typeRegistry maps Go types to the names persisted in the type column.
type typeRegistry struct {
	byName map[string]reflect.Type
	names  map[reflect.Type]string
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{
		byName: make(map[string]reflect.Type),
		names:  make(map[reflect.Type]string),
	}
}

// register adds t and every reference type reachable from it.
func (r *typeRegistry) register(t reflect.Type) (string, error) {
	if !graph.IsReference(t) {
		return "", fmt.Errorf("register %s: %w", t, ErrUnregistered)
	}
	if name, ok := r.names[t]; ok {
		return name, nil
	}

	name := t.String()
	if other, ok := r.byName[name]; ok && other != t {
		return "", fmt.Errorf("type name %q is used by %s and %s: %w", name, other, t, ErrTypeMismatch)
	}
	r.byName[name] = t
	r.names[t] = name

	for _, child := range referencedTypes(t) {
		if _, err := r.register(child); err != nil {
			return "", err
		}
	}
	return name, nil
}

func (r *typeRegistry) lookup(name string) (reflect.Type, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// referencedTypes lists the reference types a value of t can point at.
func referencedTypes(t reflect.Type) []reflect.Type {
	var out []reflect.Type
	add := func(c reflect.Type) {
		if graph.IsReference(c) {
			out = append(out, c)
		}
	}

	switch {
	case graph.IsEntity(t):
		for _, f := range graph.Fields(t.Elem()) {
			add(f.Type)
		}
	case graph.IsList(t):
		add(t.Elem().Elem())
	case graph.IsDict(t):
		add(t.Key())
		add(t.Elem())
	}
	return out
}
