package cache

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestNewQueryCache(t *testing.T) {
	if _, err := NewQueryCache(Config{}); err == nil {
		t.Error("expected error for zero config")
	}

	qc, err := NewQueryCache(DefaultConfig())
	if err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if qc.Len() != 0 {
		t.Errorf("expected empty cache, got %d", qc.Len())
	}
}

func TestQueryCache_Contract(t *testing.T) {
	ctx := context.Background()
	qc, err := NewQueryCache(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create query cache: %v", err)
	}

	calls := 0
	fetch := func(ctx context.Context) ([]int64, error) {
		calls++
		return []int64{1, 2, 3}, nil
	}

	serializer := NewDefaultKeySerializer()
	key := serializer.SerializeKey("query:*app.Order", uint64(1))

	for i := 0; i < 3; i++ {
		ids, err := qc.GetOrFetch(ctx, key, fetch)
		if err != nil {
			t.Fatalf("expected no error but got: %v", err)
		}
		if !slices.Equal(ids, []int64{1, 2, 3}) {
			t.Errorf("expected [1 2 3], got %v", ids)
		}
	}
	if calls != 1 {
		t.Errorf("expected one fetch, got %d", calls)
	}

	if err := qc.InvalidateKeys(ctx, []string{key}); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if _, err := qc.GetOrFetch(ctx, key, fetch); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected a fetch after invalidation, got %d", calls)
	}

	if err := qc.DeleteByPrefix(ctx, "query:*app.Order"); err != nil {
		t.Fatalf("expected no error but got: %v", err)
	}
	if qc.Len() != 0 {
		t.Errorf("expected empty cache after prefix delete, got %d", qc.Len())
	}
}

func TestQueryCache_FetchError(t *testing.T) {
	qc, err := NewQueryCache(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create query cache: %v", err)
	}

	boom := errors.New("store offline")
	_, err = qc.GetOrFetch(context.Background(), "query::x", func(ctx context.Context) ([]int64, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected fetch error, got %v", err)
	}
}

func TestConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
	if cfg.toInternal().Capacity != cfg.Capacity {
		t.Error("expected capacity to survive conversion")
	}

	cfg.EvictionPercentage = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero eviction percentage")
	}
}
