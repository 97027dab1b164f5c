package persistence

import (
	"sync"
	"time"
)

// objectLock is a write preferring reader/writer lock whose write side is
// owned by an Owner rather than a goroutine. The owner may take the write
// side again and may read while writing.
type objectLock struct {
	mu      sync.Mutex
	changed chan struct{}
	writer  *Owner
	depth   int
	readers int
	waiting int
}

// signalLocked wakes every waiter so it can re-check the state.
func (l *objectLock) signalLocked() {
	if l.changed != nil {
		close(l.changed)
		l.changed = nil
	}
}

func (l *objectLock) waitChanLocked() chan struct{} {
	if l.changed == nil {
		l.changed = make(chan struct{})
	}
	return l.changed
}

// lock acquires the write side for o. A negative timeout waits until done
// is closed; zero fails immediately when the lock is busy.
func (l *objectLock) lock(o *Owner, timeout time.Duration, done <-chan struct{}) bool {
	if o == nil {
		return false
	}

	l.mu.Lock()
	if l.writer == o {
		l.depth++
		l.mu.Unlock()
		return true
	}
	if l.writer == nil && l.readers == 0 {
		l.writer, l.depth = o, 1
		l.mu.Unlock()
		return true
	}
	if timeout == 0 {
		l.mu.Unlock()
		return false
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	l.waiting++
	for {
		ch := l.waitChanLocked()
		l.mu.Unlock()

		expired := false
		select {
		case <-ch:
		case <-deadline:
			expired = true
		case <-done:
			expired = true
		}

		l.mu.Lock()
		if l.writer == nil && l.readers == 0 {
			l.waiting--
			l.writer, l.depth = o, 1
			l.mu.Unlock()
			return true
		}
		if expired {
			l.waiting--
			// readers held back by this writer may proceed now
			l.signalLocked()
			l.mu.Unlock()
			return false
		}
	}
}

// unlock releases one level of the write side if o holds it.
func (l *objectLock) unlock(o *Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o == nil || l.writer != o {
		return false
	}
	l.depth--
	if l.depth == 0 {
		l.writer = nil
		l.signalLocked()
	}
	return true
}

// rlock acquires the read side. It returns true without taking a read lock
// when o already holds the write side; the caller must not call runlock then.
func (l *objectLock) rlock(o *Owner) (owned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o != nil && l.writer == o {
		return true
	}
	for l.writer != nil || l.waiting > 0 {
		ch := l.waitChanLocked()
		l.mu.Unlock()
		<-ch
		l.mu.Lock()
	}
	l.readers++
	return false
}

func (l *objectLock) runlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.readers--
	if l.readers == 0 {
		l.signalLocked()
	}
}

func (l *objectLock) heldBy(o *Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return o != nil && l.writer == o
}

func (l *objectLock) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != nil
}
