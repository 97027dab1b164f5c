// Package persistence keeps an in-memory identity map of wrappers in front
// of an embedded object store and arbitrates concurrent access to them.
//
// # Overview
//
// Application code works with presented values: *Proxy for structs, *List
// for slices and *Dict for maps. Each presented value is backed by exactly
// one Wrapper per store identity. Reads go through the wrapper's read lock
// and resolve references to their presented form on the way out. Writes
// require the wrapper's write lock and mark it dirty. A flush writes dirty
// wrappers back to the store, evicts idle ones and, with orphan purge
// enabled, deletes orphan tracked objects nothing references any more.
//
//	store, _ := store.Open(ctx, store.DefaultConfig())
//	p, _ := persistence.NewProvider(store, persistence.DefaultConfig())
//
//	v, _ := p.Store(ctx, &Order{Status: "open"})
//	order := v.(*persistence.Proxy)
//
//	err := p.WithLock(ctx, []any{order}, func(ctx context.Context) error {
//		return order.Set(ctx, "Status", "shipped")
//	})
//
//	stats, err := p.Flush(ctx)
//
// # Owners
//
// Go has no goroutine identity, so lock ownership travels in the context.
// Provider.Lock returns a LockSet whose Context carries an Owner; every
// write made with that context counts as made by the lock holder. A holder
// may read its own locked objects without blocking and may lock them again.
// WithOwner attaches an owner to a context explicitly.
//
// # Lock sets
//
// Locking several objects is all or nothing: every lock of the set is tried
// without waiting beyond Config.LockTimeout, and a failed attempt releases
// what it took before retrying the whole set after Config.LockRetryPause.
// No object stays locked while its owner waits for another one, which is
// what keeps two overlapping sets from deadlocking. Config.MaxLockAttempts
// and context cancellation bound the retries with a retryable
// LOCK_CONTENTION error.
//
// # Orphan tracking
//
// A struct embedding RefCounted is orphan tracked. Its reference count is
// maintained by the cache: assigning it to a property, list slot or
// dictionary side increments it, and replacing, removing or clearing
// decrements it. Deleting or purging an object releases the references it
// held. The count is exposed as the read only ReferenceCount property;
// assigning it is an INVARIANT_VIOLATION.
//
// # Errors
//
// Errors are go-errors values carrying a text code (ACCESS_VIOLATION,
// INDEX_OUT_OF_RANGE, TRANSIENT_OBJECT and so on) with matching Is helpers
// such as IsAccessViolation. Store failures propagate unchanged.
//
// # Queries
//
// Get and Query select entities by type and predicate. With a query cache
// configured through WithQueryCache, results are cached by the cache
// generation and by the parts given to WithQueryKey; queries without a
// predicate are cached by type alone.
package persistence
