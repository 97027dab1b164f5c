package cache

import "context"

// KeySerializer builds a cache key from an operation name and arguments.
// Keys must be stable for equal arguments.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// FetchFn loads a query result, the ordered identities of the matching
// objects, from the source of truth.
type FetchFn func(ctx context.Context) ([]int64, error)

// QueryCache caches query results by key.
type QueryCache interface {
	GetOrFetch(ctx context.Context, key string, fetchFn FetchFn) ([]int64, error)
	// InvalidateKeys removes the given entries.
	InvalidateKeys(ctx context.Context, keys []string) error
	// DeleteByPrefix removes every entry whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
	Len() int
}
