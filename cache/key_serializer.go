package cache

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// MaxKeyLength is the length above which the argument segments of a key are
// replaced by their xxhash digest. The method segment is always kept so
// prefix deletes keep working.
const MaxKeyLength = 256

// identified is implemented by presented values and wrappers.
type identified interface {
	ID() int64
}

type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey builds a cache key from method name and args.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) string {
	if len(args) == 0 {
		return method
	}

	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, s.serializeValue(arg))
	}

	body := strings.Join(parts, KeySeparator)
	if len(method)+len(KeySeparator)+len(body) > MaxKeyLength {
		body = "xxh:" + strconv.FormatUint(xxhash.Sum64String(body), 16)
	}
	return method + KeySeparator + body
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	if v == nil {
		return "nil"
	}

	switch tv := v.(type) {
	case identified:
		if isNilPointer(v) {
			return "nil"
		}
		return "id:" + strconv.FormatInt(tv.ID(), 10)
	case reflect.Type:
		return "type:" + tv.String()
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return tv.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		// only stable within one process
		return fmt.Sprintf("func:%p", v)
	case reflect.Chan:
		return fmt.Sprintf("chan:%p", v)
	case reflect.UnsafePointer:
		return fmt.Sprintf("ptr:%p", v)
	case reflect.Pointer:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return s.serializeSequence("slice", rv)
	case reflect.Array:
		return s.serializeSequence("array", rv)
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(rv)
	case reflect.Struct:
		return s.serializeStruct(rv)
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return fmt.Sprintf("%v", v)
	}

	return s.fallback(v)
}

func (s *defaultKeySerializer) serializeSequence(kind string, rv reflect.Value) string {
	parts := make([]string, rv.Len())
	for i := range parts {
		parts[i] = s.serializeValue(rv.Index(i).Interface())
	}
	return fmt.Sprintf("%s[%d]:{%s}", kind, len(parts), strings.Join(parts, ","))
}

// serializeMap sorts entries by serialized key.
func (s *defaultKeySerializer) serializeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, s.serializeValue(iter.Key().Interface())+"="+s.serializeValue(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (s *defaultKeySerializer) serializeStruct(rv reflect.Value) string {
	rt := rv.Type()
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		parts = append(parts, field.Name+":"+s.serializeValue(rv.Field(i).Interface()))
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ","))
}

// fallback encodes v with msgpack and keeps the digest. Values the encoder
// rejects, by error or panic, are keyed by type only.
func (s *defaultKeySerializer) fallback(v any) (key string) {
	defer func() {
		if recover() != nil {
			key = "fallback:" + reflect.TypeOf(v).String()
		}
	}()
	data, err := msgpack.Marshal(v)
	if err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "msgpack:" + strconv.FormatUint(xxhash.Sum64(data), 16)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
