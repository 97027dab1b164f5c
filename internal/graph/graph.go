// Package graph holds the reflection rules shared by the cache and the store
// for deciding which values are managed references and how they are keyed.
package graph

import (
	"reflect"
	"time"
)

// ReferenceCounter is implemented by orphan tracked objects. The count is
// maintained by the cache and persisted by the store.
type ReferenceCounter interface {
	ReferenceCount() int64
	SetReferenceCount(n int64)
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	counterType = reflect.TypeOf((*ReferenceCounter)(nil)).Elem()
)

// IsReference reports whether values of t are stored as separate objects
// with their own identity: pointers to structs, pointers to slices and maps.
func IsReference(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Map:
		return true
	case reflect.Pointer:
		switch e := t.Elem(); e.Kind() {
		case reflect.Struct:
			return e != timeType
		case reflect.Slice:
			return true
		}
	}
	return false
}

// IsList reports whether t is a pointer to a slice.
func IsList(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Slice
}

// IsDict reports whether t is a map type.
func IsDict(t reflect.Type) bool {
	return t.Kind() == reflect.Map
}

// IsEntity reports whether t is a pointer to a plain struct.
func IsEntity(t reflect.Type) bool {
	return IsReference(t) && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct
}

// IsCounted reports whether t carries a reference count.
func IsCounted(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		return t.Implements(counterType)
	}
	return reflect.PointerTo(t).Implements(counterType)
}

// Key identifies a live object by address and static type. The type is
// needed because a struct and its first field share an address.
type Key struct {
	Addr uintptr
	Type reflect.Type
}

// KeyOf returns the identity key of a reference value. ok is false for nil
// values and for values that are not references.
func KeyOf(v any) (Key, bool) {
	if v == nil {
		return Key{}, false
	}
	rv := reflect.ValueOf(v)
	if !IsReference(rv.Type()) || rv.IsNil() {
		return Key{}, false
	}
	return Key{Addr: rv.Pointer(), Type: rv.Type()}, true
}

// Fields returns the exported, persisted fields of a struct type. Embedded
// reference counters are skipped: the count travels outside the field set.
func Fields(t reflect.Type) []reflect.StructField {
	var out []reflect.StructField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Anonymous && IsCounted(f.Type) {
			continue
		}
		if f.Tag.Get("persist") == "-" {
			continue
		}
		out = append(out, f)
	}
	return out
}
