package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-object-cache/internal/graph"
)

// Wrapper is the cache resident unit for one stored object. It owns the
// object lock, the dirty flag and the last access time.
type Wrapper interface {
	// ID is the store identity of the wrapped object.
	ID() int64
	// Source is the raw object as known to the store.
	Source() any
	// Presented is the value handed to callers: a *Proxy for entities,
	// the wrapper itself for collections.
	Presented() any
	// Lock acquires the write lock for the owner carried by ctx. With wait
	// set it blocks until acquired or ctx is done, otherwise it gives up
	// after the configured lock timeout.
	Lock(ctx context.Context, wait bool) bool
	// Unlock releases the write lock if the owner carried by ctx holds it.
	Unlock(ctx context.Context)
	Dirty() bool

	base() *wrapperBase
	// release drops the references this object holds on orphan tracked
	// objects. Used when the object itself is deleted or purged.
	release(ctx context.Context) error
}

// Persistent is implemented by every presented value.
type Persistent interface {
	Source() any
	Wrapper() Wrapper
}

// RefCounted is embedded by orphan tracked types to carry their reference
// count. The count is maintained by the cache; applications read it but
// never assign it.
type RefCounted struct {
	refs atomic.Int64
}

func (r *RefCounted) ReferenceCount() int64     { return r.refs.Load() }
func (r *RefCounted) SetReferenceCount(n int64) { r.refs.Store(n) }

type wrapperBase struct {
	id     int64
	info   *typeInfo
	cache  *Cache
	source any
	self   Wrapper

	lock       objectLock
	lastAccess atomic.Int64

	// mu guards the lifecycle fields below; it is independent of lock so
	// reference bookkeeping never waits on a writer.
	mu      sync.Mutex
	dirty   bool
	version uint64
	evicted bool
	retired bool
}

func (b *wrapperBase) init(c *Cache, info *typeInfo, id int64, source any, self Wrapper) {
	b.id = id
	b.info = info
	b.cache = c
	b.source = source
	b.self = self
	b.touch()
}

func (b *wrapperBase) ID() int64          { return b.id }
func (b *wrapperBase) Source() any        { return b.source }
func (b *wrapperBase) base() *wrapperBase { return b }

func (b *wrapperBase) Lock(ctx context.Context, wait bool) bool {
	b.touch()
	owner := OwnerFrom(ctx)
	if wait {
		return b.lock.lock(owner, -1, ctx.Done())
	}
	return b.lock.lock(owner, b.cache.cfg.LockTimeout, ctx.Done())
}

func (b *wrapperBase) Unlock(ctx context.Context) {
	b.lock.unlock(OwnerFrom(ctx))
}

func (b *wrapperBase) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *wrapperBase) touch() {
	b.lastAccess.Store(time.Now().UnixNano())
}

func (b *wrapperBase) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, b.lastAccess.Load()))
}

// read runs fn under the read side of the lock, or directly when the owner
// carried by ctx holds the write side.
func (b *wrapperBase) read(ctx context.Context, fn func()) {
	b.touch()
	if !b.lock.rlock(OwnerFrom(ctx)) {
		defer b.lock.runlock()
	}
	fn()
}

// assertLocked fails unless the owner carried by ctx holds the write lock.
// Writers validate their input next and call modified before changing the
// source.
func (b *wrapperBase) assertLocked(ctx context.Context) error {
	b.touch()
	if !b.lock.heldBy(OwnerFrom(ctx)) {
		return accessViolation(b.id)
	}
	return nil
}

// modified marks the wrapper dirty ahead of a change to its source.
func (b *wrapperBase) modified() error {
	return b.markDirty(0)
}

func (b *wrapperBase) isRetired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retired
}

// reference counts one more holder of an orphan tracked source. Other
// wrappers are left untouched.
func (b *wrapperBase) reference() error {
	if !b.info.counted {
		return nil
	}
	return b.markDirty(1)
}

// markDirty flags the wrapper for write back and applies delta to the
// reference count of orphan tracked sources. A wrapper evicted by a sweep
// is registered again.
func (b *wrapperBase) markDirty(delta int64) error {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return staleWrapper(b.id)
	}
	if b.evicted {
		b.mu.Unlock()
		return b.cache.reattach(b.self, delta)
	}
	b.applyLocked(delta)
	b.mu.Unlock()

	b.cache.bumpGeneration()
	return nil
}

func (b *wrapperBase) applyLocked(delta int64) {
	if c, ok := b.source.(graph.ReferenceCounter); ok && delta != 0 {
		n := c.ReferenceCount() + delta
		if n < 0 {
			n = 0
		}
		c.SetReferenceCount(n)
	}
	b.dirty = true
	b.version++
}

// clean clears the dirty flag unless the wrapper changed since version.
func (b *wrapperBase) clean(version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.version == version {
		b.dirty = false
	}
}

// orphanedLocked reports a zero reference count on an orphan tracked source.
func (b *wrapperBase) orphanedLocked() bool {
	c, ok := b.source.(graph.ReferenceCounter)
	return ok && c.ReferenceCount() == 0
}

func (b *wrapperBase) referenceCount() int64 {
	if c, ok := b.source.(graph.ReferenceCounter); ok {
		return c.ReferenceCount()
	}
	return 0
}
