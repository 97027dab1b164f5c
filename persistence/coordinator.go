package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// LockSet holds the write locks of a group of wrappers for one owner.
type LockSet struct {
	ctx      context.Context
	wrappers []Wrapper
	once     sync.Once
}

// Context returns the context carrying the owner of the set. Writes to the
// locked objects must use it.
func (s *LockSet) Context() context.Context { return s.ctx }

// Len returns the number of distinct wrappers in the set.
func (s *LockSet) Len() int { return len(s.wrappers) }

// Release unlocks every wrapper in the set. Later calls do nothing.
func (s *LockSet) Release() {
	s.once.Do(func() {
		for _, w := range s.wrappers {
			w.Unlock(s.ctx)
		}
	})
}

// lockCoordinator acquires lock sets all or nothing. A failed attempt
// releases what it took and the whole set is retried after a pause, so no
// wrapper stays locked while its owner waits on another.
type lockCoordinator struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes attempts so two sets never interleave their passes.
	mu       sync.Mutex
	failures *xsync.Counter
}

func newLockCoordinator(cfg Config) *lockCoordinator {
	return &lockCoordinator{
		cfg:      cfg,
		logger:   cfg.logger(),
		failures: xsync.NewCounter(),
	}
}

// Failures returns the number of failed attempts so far.
func (lc *lockCoordinator) Failures() int64 {
	return lc.failures.Value()
}

func (lc *lockCoordinator) lock(ctx context.Context, entities []any) (*LockSet, error) {
	ctx, owner := ensureOwner(ctx)

	wrappers, err := distinctWrappers("lock", entities)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if lc.try(ctx, wrappers) {
			return &LockSet{ctx: ctx, wrappers: wrappers}, nil
		}

		lc.failures.Inc()
		if lc.cfg.Debug {
			lc.logger.Debug("lock set contention",
				"owner", owner.String(),
				"attempt", attempt,
				"size", len(wrappers),
			)
		}
		if lc.cfg.MaxLockAttempts > 0 && attempt >= lc.cfg.MaxLockAttempts {
			return nil, lockContention(attempt, ctx.Err())
		}

		timer := time.NewTimer(lc.cfg.LockRetryPause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lockContention(attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// try takes every lock without waiting beyond the lock timeout. On failure
// it releases only the locks taken by this attempt, so locks the owner held
// before keep their depth.
func (lc *lockCoordinator) try(ctx context.Context, wrappers []Wrapper) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	for i, w := range wrappers {
		if w.Lock(ctx, false) {
			continue
		}
		for _, taken := range wrappers[:i] {
			taken.Unlock(ctx)
		}
		return false
	}
	return true
}

func (lc *lockCoordinator) unlock(ctx context.Context, entities []any) error {
	wrappers, err := distinctWrappers("unlock", entities)
	if err != nil {
		return err
	}
	for _, w := range wrappers {
		w.Unlock(ctx)
	}
	return nil
}

func distinctWrappers(op string, entities []any) ([]Wrapper, error) {
	out := make([]Wrapper, 0, len(entities))
	seen := make(map[Wrapper]struct{}, len(entities))
	for _, e := range entities {
		w, err := wrapperOf(op, e)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out, nil
}
