package persistence

import (
	"reflect"
	"sync"

	"github.com/goliatone/go-object-cache/internal/graph"
	"github.com/puzpuzpuz/xsync/v3"
)

// Kind is the wrapper variant chosen for a type.
type Kind uint8

const (
	// KindValue marks plain values: scalars, strings, structs held by value.
	KindValue Kind = iota
	// KindEntity marks pointers to structs.
	KindEntity
	// KindList marks pointers to slices.
	KindList
	// KindDict marks maps.
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "value"
	}
}

// ReferenceCountProperty is the read only property exposing the count of
// orphan tracked entities.
const ReferenceCountProperty = "ReferenceCount"

type typeInfo struct {
	typ     reflect.Type
	kind    Kind
	counted bool

	// list element or dict value
	elem *typeInfo
	// dict key
	key *typeInfo

	props map[string]*property
	names []string
}

func (t *typeInfo) tracked() bool { return t.kind != KindValue }

type property struct {
	name     string
	index    int
	info     *typeInfo
	refCount bool
}

// typeTable resolves type metadata once per type. Reads are lock free; the
// mutex only serializes building, which may recurse through cyclic types.
type typeTable struct {
	mu    sync.Mutex
	infos *xsync.MapOf[reflect.Type, *typeInfo]
}

func newTypeTable() *typeTable {
	return &typeTable{infos: xsync.NewMapOf[reflect.Type, *typeInfo]()}
}

func (tt *typeTable) resolve(t reflect.Type) *typeInfo {
	if info, ok := tt.infos.Load(t); ok {
		return info
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()

	building := make(map[reflect.Type]*typeInfo)
	info := tt.buildLocked(t, building)
	for typ, built := range building {
		tt.infos.Store(typ, built)
	}
	return info
}

func (tt *typeTable) buildLocked(t reflect.Type, building map[reflect.Type]*typeInfo) *typeInfo {
	if info, ok := tt.infos.Load(t); ok {
		return info
	}
	if info, ok := building[t]; ok {
		return info
	}

	info := &typeInfo{typ: t}
	building[t] = info

	switch {
	case graph.IsEntity(t):
		info.kind = KindEntity
		info.counted = graph.IsCounted(t)
		info.props = make(map[string]*property)
		for _, f := range graph.Fields(t.Elem()) {
			info.props[f.Name] = &property{
				name:  f.Name,
				index: f.Index[0],
				info:  tt.buildLocked(f.Type, building),
			}
			info.names = append(info.names, f.Name)
		}
		if _, taken := info.props[ReferenceCountProperty]; info.counted && !taken {
			info.props[ReferenceCountProperty] = &property{
				name:     ReferenceCountProperty,
				index:    -1,
				info:     tt.buildLocked(reflect.TypeOf(int64(0)), building),
				refCount: true,
			}
			info.names = append(info.names, ReferenceCountProperty)
		}
	case graph.IsList(t):
		info.kind = KindList
		info.elem = tt.buildLocked(t.Elem().Elem(), building)
	case graph.IsDict(t):
		info.kind = KindDict
		info.key = tt.buildLocked(t.Key(), building)
		info.elem = tt.buildLocked(t.Elem(), building)
	default:
		info.kind = KindValue
	}
	return info
}
