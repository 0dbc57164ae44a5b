// Package keylock provides mutual exclusion keyed by resource id.
//
// A Locker offers two modes over the same key space:
//   - Do collapses concurrent calls for a key into one execution whose
//     result every caller shares (single-flight).
//   - Lock serializes callers for a key; each caller runs in turn.
//
// Keys are independent: work on one key never waits for another.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker is safe for concurrent use. The zero value is ready to use.
type Locker struct {
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Do runs fn once for all concurrent callers with the same key. Callers that
// arrive while fn is running wait for and receive its result. shared reports
// whether the result was delivered to more than one caller.
func (l *Locker) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	return l.flight.Do(key, fn)
}

// DoContext is Do for callers that may give up early. A caller whose ctx
// ends stops waiting and gets ctx.Err(); the shared execution continues for
// the remaining callers.
func (l *Locker) DoContext(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	ch := l.flight.DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget makes the next Do for key start a fresh execution even if one is
// still in flight.
func (l *Locker) Forget(key string) {
	l.flight.Forget(key)
}

// Lock blocks until the caller holds key and returns the function that
// releases it. Entries are reference counted and dropped when unused so the
// map does not grow with every key ever seen.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.entries == nil {
		l.entries = make(map[string]*entry)
	}
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, key)
			}
			l.mu.Unlock()
		})
	}
}

// Held returns the number of keys currently locked or waited on.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
