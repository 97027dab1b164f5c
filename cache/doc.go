// Package cache provides the query result cache and key serialization used
// by the persistence provider.
//
// # Overview
//
// This package exports two interfaces and their default implementations:
//
//   - QueryCache: caches query results, the ordered store identities of the
//     matching objects, behind a read-through GetOrFetch
//   - KeySerializer: builds stable cache keys from an operation name and
//     arguments
//
// Results hold identities rather than objects. The provider maps them back
// to presented values through the identity map, so a cached result never
// hands out a second copy of an object.
//
// # Basic Usage
//
//	qc, err := cache.NewQueryCache(cache.DefaultConfig())
//	serializer := cache.NewDefaultKeySerializer()
//
//	key := serializer.SerializeKey("query:*app.Order", generation, "status", "open")
//	ids, err := qc.GetOrFetch(ctx, key, func(ctx context.Context) ([]int64, error) {
//		return scanOpenOrders(ctx)
//	})
//
// # Invalidation
//
// Keys embed the persistence cache generation, which changes on every write,
// store, delete and flush. A key issued before a change is never asked for
// again; the provider deletes superseded keys after each flush and the TTL
// reclaims whatever remains.
//
// # Key Serialization Strategy
//
//   - Presented values and wrappers: their store identity
//   - Basic types: direct string representation
//   - Time values: UTC RFC 3339
//   - Slices, arrays: recursive serialization of elements
//   - Maps: entries sorted by serialized key
//   - Structs: exported fields with name:value pairs
//   - Functions and channels: their address, stable only within one process
//   - Anything else: an xxhash digest of its msgpack encoding
//
// Keys longer than MaxKeyLength keep the method segment and replace the
// argument segments with their xxhash digest.
//
// # Predicates
//
// Query predicates are closures. Two closures created by the same literal
// share a code address even when they capture different values, so a
// predicate alone can never form a key. Callers name the predicate and its
// arguments explicitly with persistence.WithQueryKey.
package cache
