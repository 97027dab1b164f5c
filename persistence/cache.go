package persistence

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-object-cache/internal/graph"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is the object store the cache persists through. store.ObjectStore
// implements it.
type Store interface {
	// IdentityOf returns the identity of obj, or 0 if it was never stored.
	IdentityOf(obj any) int64
	// Store writes obj and assigns identities to new objects it reaches.
	Store(ctx context.Context, obj any) error
	IsActive(obj any) bool
	Activate(ctx context.Context, obj any, depth int) error
	// Fetch returns the live object with the given identity.
	Fetch(ctx context.Context, id int64) (any, error)
	// IDsOf lists the identities of the stored objects of type t.
	IDsOf(ctx context.Context, t reflect.Type) ([]int64, error)
	Delete(ctx context.Context, obj any) error
	Commit(ctx context.Context) error
}

// FlushStats reports what a flush did.
type FlushStats struct {
	Flushed int
	Evicted int
	Purged  int
}

// Cache maps store identities to wrappers. The identity map and the flush
// sweep share mu: inserts take the read side, the sweep takes the write
// side. Wrapper state is guarded by each wrapper's own locks.
type Cache struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	types  *typeTable

	mu       sync.RWMutex
	wrappers *xsync.MapOf[int64, Wrapper]

	// storeMu serializes first stores so a graph is only unpersisted once.
	storeMu sync.Mutex
	// commitMu serializes store commits.
	commitMu sync.Mutex

	generation atomic.Uint64
}

// NewCache creates a cache in front of store.
func NewCache(store Store, cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cache{
		store:    store,
		cfg:      cfg,
		logger:   cfg.logger(),
		types:    newTypeTable(),
		wrappers: xsync.NewMapOf[int64, Wrapper](),
	}, nil
}

// Len returns the number of cached wrappers.
func (c *Cache) Len() int {
	return c.wrappers.Size()
}

// Generation changes whenever cached data changes. Query results are keyed
// by it.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

func (c *Cache) bumpGeneration() {
	c.generation.Add(1)
}

// Wrapper returns the wrapper for raw, storing raw first if it has no
// identity yet. Repeated calls for the same identity return the same wrapper.
func (c *Cache) Wrapper(ctx context.Context, raw any) (Wrapper, error) {
	if isNil(raw) {
		return nil, transientObject("wrap", raw)
	}
	return c.getWrapper(ctx, c.types.resolve(reflect.TypeOf(raw)), raw)
}

// Presented returns the presented form of raw, or nil for nil.
func (c *Cache) Presented(ctx context.Context, raw any) (any, error) {
	if isNil(raw) {
		return nil, nil
	}
	return c.getPresented(ctx, c.types.resolve(reflect.TypeOf(raw)), raw)
}

// Source returns the raw form behind raw's wrapper, or nil for nil.
func (c *Cache) Source(ctx context.Context, raw any) (any, error) {
	if isNil(raw) {
		return nil, nil
	}
	w, err := c.Wrapper(ctx, raw)
	if err != nil {
		return nil, err
	}
	return w.Source(), nil
}

// Activate loads the data of raw from the store if it is not loaded yet.
func (c *Cache) Activate(ctx context.Context, raw any) (any, error) {
	if isNil(raw) || c.store.IsActive(raw) {
		return raw, nil
	}
	if c.cfg.Debug {
		c.logger.Debug("lazy loading object", "type", reflect.TypeOf(raw).String())
	}
	if err := c.store.Activate(ctx, raw, 1); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Cache) getPresented(ctx context.Context, info *typeInfo, raw any) (any, error) {
	if isNil(raw) {
		return nil, nil
	}
	w, err := c.getWrapper(ctx, info, raw)
	if err != nil {
		return nil, err
	}
	return w.Presented(), nil
}

func (c *Cache) getWrapper(ctx context.Context, info *typeInfo, raw any) (Wrapper, error) {
	if !info.tracked() {
		return nil, unsupportedType(info.typ)
	}

	id := c.store.IdentityOf(raw)
	if id == 0 {
		var err error
		if id, err = c.storeNew(ctx, raw); err != nil {
			return nil, err
		}
	}

	if w, ok := c.lookup(id); ok {
		return w, nil
	}

	if _, err := c.Activate(ctx, raw); err != nil {
		return nil, err
	}
	built, err := c.build(ctx, info, id, raw)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	w, loaded := c.wrappers.LoadOrStore(id, built)
	if loaded {
		w.base().touch()
	}
	c.mu.RUnlock()
	return w, nil
}

// wrapperByID returns the wrapper for a stored identity, fetching the
// object when it is not cached.
func (c *Cache) wrapperByID(ctx context.Context, id int64) (Wrapper, error) {
	if w, ok := c.lookup(id); ok {
		return w, nil
	}
	raw, err := c.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.getWrapper(ctx, c.types.resolve(reflect.TypeOf(raw)), raw)
}

func (c *Cache) lookup(id int64) (Wrapper, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.wrappers.Load(id)
	if ok {
		w.base().touch()
	}
	return w, ok
}

func (c *Cache) build(ctx context.Context, info *typeInfo, id int64, raw any) (Wrapper, error) {
	switch info.kind {
	case KindEntity:
		return newEntity(c, info, id, raw), nil
	case KindList:
		return newList(ctx, c, info, id, raw)
	case KindDict:
		return newDict(ctx, c, info, id, raw)
	default:
		return nil, unsupportedType(info.typ)
	}
}

// reattach registers an evicted wrapper again and applies a pending change.
func (c *Cache) reattach(w Wrapper, delta int64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := w.base()
	if current, loaded := c.wrappers.LoadOrStore(b.id, w); loaded && current != w {
		return staleWrapper(b.id)
	}

	b.mu.Lock()
	b.evicted = false
	b.applyLocked(delta)
	b.mu.Unlock()

	c.bumpGeneration()
	return nil
}

// current returns the registered wrapper for the identity of w. An evicted
// wrapper is registered again unless another wrapper took its identity, in
// which case that one is returned.
func (c *Cache) current(w Wrapper) Wrapper {
	b := w.base()
	b.mu.Lock()
	evicted := b.evicted
	b.mu.Unlock()
	if !evicted {
		return w
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	actual, loaded := c.wrappers.LoadOrStore(b.id, w)
	if loaded && actual != w {
		actual.base().touch()
		return actual
	}
	b.mu.Lock()
	b.evicted = false
	b.mu.Unlock()
	b.touch()
	return w
}

// present returns the presented form of v as held by the registered wrapper
// of its identity. Other values are returned unchanged.
func (c *Cache) present(v any) any {
	p, ok := v.(Persistent)
	if !ok || isNil(v) {
		return v
	}
	return c.current(p.Wrapper()).Presented()
}

// adjust applies delta to the reference count behind the presented value v
// through the registered wrapper of its identity. Releasing a deleted object
// is a no-op.
func (c *Cache) adjust(v any, delta int64) error {
	p, ok := v.(Persistent)
	if !ok || isNil(v) {
		return nil
	}
	w := p.Wrapper()
	for {
		w = c.current(w)
		b := w.base()
		if !b.info.counted {
			return nil
		}
		err := b.markDirty(delta)
		if !IsStaleWrapper(err) {
			return err
		}
		if b.isRetired() {
			if delta < 0 {
				return nil
			}
			return err
		}
	}
}

// releaseAll drops one reference on each presented value. On failure the
// references already dropped are restored.
func (c *Cache) releaseAll(values []any) error {
	for i, v := range values {
		if err := c.adjust(v, -1); err != nil {
			for _, done := range values[:i] {
				_ = c.adjust(done, 1)
			}
			return err
		}
	}
	return nil
}

// releaseRaw drops one reference on a raw stored object. Objects without
// identity are not referenced by anything stored.
func (c *Cache) releaseRaw(ctx context.Context, raw any) error {
	if isNil(raw) || c.store.IdentityOf(raw) == 0 {
		return nil
	}
	w, err := c.getWrapper(ctx, c.types.resolve(reflect.TypeOf(raw)), raw)
	if err != nil {
		return err
	}
	return c.adjust(w.Presented(), -1)
}

// element is a value resolved for a property, list slot or dictionary side.
type element struct {
	raw       reflect.Value
	presented any
	wrapper   Wrapper
}

// retain adds the reference an assignment creates; undo takes it back.
func (el element) retain() error {
	if el.wrapper == nil {
		return nil
	}
	return el.wrapper.base().cache.adjust(el.presented, 1)
}

func (el element) undo() {
	if el.wrapper != nil {
		_ = el.wrapper.base().cache.adjust(el.presented, -1)
	}
}

// element resolves value for a slot of type info, storing new objects.
func (c *Cache) element(ctx context.Context, info *typeInfo, value any) (element, error) {
	if !info.tracked() {
		rv, err := coerce(value, info.typ)
		if err != nil {
			return element{}, err
		}
		return element{raw: rv, presented: rv.Interface()}, nil
	}
	if isNil(value) {
		return element{raw: reflect.Zero(info.typ)}, nil
	}

	w, err := c.resolve(ctx, info, value)
	if err != nil {
		return element{}, err
	}
	return element{raw: reflect.ValueOf(w.Source()), presented: w.Presented(), wrapper: w}, nil
}

// lookupElement resolves value like element but never stores: an object
// without identity cannot be present anywhere, so found is false.
func (c *Cache) lookupElement(ctx context.Context, info *typeInfo, value any) (el element, found bool, err error) {
	if !info.tracked() || isNil(value) {
		el, err = c.element(ctx, info, value)
		return el, err == nil, err
	}
	if _, ok := value.(Persistent); !ok {
		if reflect.TypeOf(value) != info.typ {
			return element{}, false, invalidValue(info.typ, value)
		}
		if c.store.IdentityOf(value) == 0 {
			return element{}, false, nil
		}
	}
	el, err = c.element(ctx, info, value)
	return el, err == nil, err
}

// resolve returns the wrapper for a raw or presented value of type info.
func (c *Cache) resolve(ctx context.Context, info *typeInfo, value any) (Wrapper, error) {
	if p, ok := value.(Persistent); ok && !isNil(value) {
		w := c.current(p.Wrapper())
		if w.base().info.typ != info.typ {
			return nil, invalidValue(info.typ, w.Source())
		}
		return w, nil
	}
	if reflect.TypeOf(value) != info.typ {
		return nil, invalidValue(info.typ, value)
	}
	return c.getWrapper(ctx, info, value)
}

// Delete removes entity from the cache and the store and commits. It
// returns false for nil and for entities that were already deleted.
func (c *Cache) Delete(ctx context.Context, entity any) (bool, error) {
	if isNil(entity) {
		return false, nil
	}
	w, err := wrapperOf("delete", entity)
	if err != nil {
		return false, err
	}

	ok, err := c.remove(ctx, w)
	if err != nil || !ok {
		return ok, err
	}
	return true, c.commit(ctx)
}

// DeleteMany removes every entity with a single commit. Every element must
// be a presented value; nothing is deleted otherwise.
func (c *Cache) DeleteMany(ctx context.Context, entities []any) (bool, error) {
	if entities == nil {
		return false, nil
	}

	ws := make([]Wrapper, 0, len(entities))
	for _, entity := range entities {
		w, err := wrapperOf("delete", entity)
		if err != nil {
			return false, err
		}
		ws = append(ws, w)
	}

	all := true
	for _, w := range ws {
		ok, err := c.remove(ctx, w)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, c.commit(ctx)
}

func (c *Cache) remove(ctx context.Context, w Wrapper) (bool, error) {
	b := w.base()

	b.mu.Lock()
	retired := b.retired
	b.mu.Unlock()
	if retired {
		return false, nil
	}

	if err := w.release(ctx); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(ctx, b.source); err != nil {
		return false, err
	}
	if current, ok := c.wrappers.Load(b.id); ok && current == w {
		c.wrappers.Delete(b.id)
	}

	b.mu.Lock()
	b.retired = true
	b.mu.Unlock()

	c.bumpGeneration()
	return true, nil
}

func (c *Cache) commit(ctx context.Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.store.Commit(ctx)
}

// Flush writes dirty wrappers back, evicts expired ones and, with orphan
// purge enabled, deletes orphan tracked objects nobody references. It ends
// with a single commit.
func (c *Cache) Flush(ctx context.Context) (FlushStats, error) {
	var stats FlushStats
	dirty, orphans := c.sweep(time.Now(), &stats)

	owner := NewOwner()
	fctx := context.WithValue(ctx, ownerContextKey{}, owner)
	for _, w := range dirty {
		b := w.base()
		if !b.Lock(fctx, true) {
			return stats, errors.Wrap(ctx.Err(), errors.CategoryOperation, "flush interrupted")
		}
		b.mu.Lock()
		retired, version := b.retired, b.version
		b.mu.Unlock()
		if retired {
			b.lock.unlock(owner)
			continue
		}
		err := c.store.Store(ctx, b.source)
		if err == nil {
			b.clean(version)
		}
		b.lock.unlock(owner)
		if err != nil {
			return stats, err
		}
		stats.Flushed++
	}

	purged, err := c.purge(ctx, orphans)
	stats.Purged = len(purged)
	if err != nil {
		return stats, err
	}
	for _, w := range purged {
		if err := w.release(fctx); err != nil && !IsStaleWrapper(err) {
			return stats, err
		}
	}

	if err := c.commit(ctx); err != nil {
		return stats, err
	}
	if stats.Flushed > 0 || stats.Purged > 0 {
		c.bumpGeneration()
	}

	if c.cfg.Debug {
		c.logger.Debug("cache flushed",
			"flushed", stats.Flushed,
			"evicted", stats.Evicted,
			"purged", stats.Purged,
			"cached", c.Len(),
		)
	}
	return stats, nil
}

// sweep classifies every wrapper and evicts the expired ones.
func (c *Cache) sweep(now time.Time, stats *FlushStats) (dirty, orphans []Wrapper) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []int64
	c.wrappers.Range(func(id int64, w Wrapper) bool {
		b := w.base()
		b.mu.Lock()
		defer b.mu.Unlock()

		switch {
		case c.cfg.OrphanPurge && b.orphanedLocked():
			orphans = append(orphans, w)
		case b.dirty:
			dirty = append(dirty, w)
		case b.idle(now) > c.cfg.CacheLife && !b.lock.held():
			b.evicted = true
			evicted = append(evicted, id)
		}
		return true
	})

	for _, id := range evicted {
		c.wrappers.Delete(id)
	}
	stats.Evicted = len(evicted)
	return dirty, orphans
}

// purge deletes orphans whose count is still zero. The check and the
// removal happen under the map lock, so a concurrent lookup either sees the
// wrapper before it retires or not at all.
func (c *Cache) purge(ctx context.Context, orphans []Wrapper) ([]Wrapper, error) {
	if len(orphans) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var purged []Wrapper
	for _, w := range orphans {
		b := w.base()
		b.mu.Lock()
		if b.retired || !b.orphanedLocked() {
			b.mu.Unlock()
			continue
		}
		b.retired = true
		b.mu.Unlock()

		c.wrappers.Delete(b.id)
		if err := c.store.Delete(ctx, b.source); err != nil {
			return purged, err
		}
		if c.cfg.Debug {
			c.logger.Debug("purged orphan", "id", b.id, "type", b.info.typ.String())
		}
		purged = append(purged, w)
	}
	return purged, nil
}

func wrapperOf(op string, v any) (Wrapper, error) {
	p, ok := v.(Persistent)
	if !ok || isNil(v) {
		return nil, transientObject(op, v)
	}
	return p.Wrapper(), nil
}

func sameObject(a, b any) bool {
	ka, aok := graph.KeyOf(a)
	kb, bok := graph.KeyOf(b)
	return aok && bok && ka == kb
}

// storeNew stores a graph reached for the first time. Presented values
// found in interface slots are replaced by their sources. New orphan tracked
// objects start with the number of references the graph holds on them;
// objects stored earlier gain one reference per edge.
func (c *Cache) storeNew(ctx context.Context, raw any) (int64, error) {
	c.storeMu.Lock()
	if id := c.store.IdentityOf(raw); id != 0 {
		c.storeMu.Unlock()
		return id, nil
	}

	targets := c.unpersist(raw)
	err := c.store.Store(ctx, raw)
	id := c.store.IdentityOf(raw)
	c.storeMu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, target := range targets {
		w, err := c.getWrapper(ctx, c.types.resolve(reflect.TypeOf(target)), target)
		if err != nil {
			return 0, err
		}
		if err := w.base().reference(); err != nil {
			return 0, err
		}
	}
	c.bumpGeneration()
	return id, nil
}

// unpersist walks the objects of raw's graph that have no identity yet and
// returns the stored orphan tracked objects they reference, once per edge.
func (c *Cache) unpersist(raw any) []any {
	root := reflect.ValueOf(raw)
	rootKey, _ := graph.KeyOf(raw)

	visited := map[graph.Key]reflect.Value{rootKey: root}
	counts := make(map[graph.Key]int64)
	var targets []any

	visit := func(slot reflect.Value) (reflect.Value, bool) {
		if slot.Kind() == reflect.Interface && !slot.IsNil() {
			if p, ok := slot.Interface().(Persistent); ok {
				return reflect.ValueOf(p.Source()), true
			}
			return reflect.Value{}, false
		}
		if !graph.IsReference(slot.Type()) || slot.IsNil() {
			return reflect.Value{}, false
		}

		child := slot.Interface()
		if c.store.IdentityOf(child) != 0 {
			if graph.IsCounted(slot.Type()) {
				targets = append(targets, child)
			}
			return reflect.Value{}, false
		}

		key, _ := graph.KeyOf(child)
		counts[key]++
		if _, seen := visited[key]; !seen {
			visited[key] = slot
		}
		return reflect.Value{}, false
	}

	walked := make(map[graph.Key]bool)
	for {
		var next []reflect.Value
		for key, v := range visited {
			if !walked[key] {
				walked[key] = true
				next = append(next, v)
			}
		}
		if len(next) == 0 {
			break
		}
		for _, v := range next {
			walkSlots(v, visit)
		}
	}

	for key, v := range visited {
		if rc, ok := v.Interface().(graph.ReferenceCounter); ok {
			rc.SetReferenceCount(counts[key])
		}
	}
	return targets
}

// walkSlots calls visit for every slot of v that may hold a reference and
// stores the replacement visit returns.
func walkSlots(v reflect.Value, visit func(reflect.Value) (reflect.Value, bool)) {
	t := v.Type()
	switch {
	case graph.IsEntity(t):
		elem := v.Elem()
		for _, f := range graph.Fields(elem.Type()) {
			slot := elem.FieldByIndex(f.Index)
			if repl, ok := visit(slot); ok && repl.Type().AssignableTo(slot.Type()) {
				slot.Set(repl)
			}
		}
	case graph.IsList(t):
		items := v.Elem()
		for i := 0; i < items.Len(); i++ {
			slot := items.Index(i)
			if repl, ok := visit(slot); ok && repl.Type().AssignableTo(slot.Type()) {
				slot.Set(repl)
			}
		}
	case graph.IsDict(t):
		keys := v.MapKeys()
		for _, k := range keys {
			visit(k)
			if repl, ok := visit(v.MapIndex(k)); ok && repl.Type().AssignableTo(t.Elem()) {
				v.SetMapIndex(k, repl)
			}
		}
	}
}
