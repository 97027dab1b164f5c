package persistence

import (
	"context"

	"github.com/google/uuid"
)

// Owner identifies the execution context holding wrapper locks. Go has no
// goroutine identity, so ownership travels in the context: every call made
// with a context carrying the same Owner is treated as the lock holder.
type Owner struct {
	id uuid.UUID
}

// NewOwner returns a fresh owner token.
func NewOwner() *Owner {
	return &Owner{id: uuid.New()}
}

func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	return o.id.String()
}

type ownerContextKey struct{}

// WithOwner returns a context carrying an owner. A context that already
// carries one is returned unchanged.
func WithOwner(ctx context.Context) context.Context {
	ctx, _ = ensureOwner(ctx)
	return ctx
}

// OwnerFrom returns the owner carried by ctx, or nil.
func OwnerFrom(ctx context.Context) *Owner {
	if ctx == nil {
		return nil
	}
	if o, ok := ctx.Value(ownerContextKey{}).(*Owner); ok {
		return o
	}
	return nil
}

func ensureOwner(ctx context.Context) (context.Context, *Owner) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o := OwnerFrom(ctx); o != nil {
		return ctx, o
	}
	o := NewOwner()
	return context.WithValue(ctx, ownerContextKey{}, o), o
}

type queryKeyContextKey struct{}

// WithQueryKey names the query run with ctx so its results can be cached.
// Predicates are closures and cannot be keyed reliably on their own: two
// closures from the same literal share a code pointer even when they
// capture different values. The parts must identify the predicate and its
// captured arguments.
func WithQueryKey(ctx context.Context, parts ...any) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(parts) == 0 {
		return ctx
	}
	return context.WithValue(ctx, queryKeyContextKey{}, append([]any(nil), parts...))
}

func queryKeyFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	if parts, ok := ctx.Value(queryKeyContextKey{}).([]any); ok {
		return parts
	}
	return nil
}
