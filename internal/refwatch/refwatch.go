// Package refwatch is the Reference Watcher: a map from
// integer id to a weak reference of a domain object, recreated on demand
// by a recoverer and cleaned up exactly once when the last external
// strong reference is dropped. It backs both the Trunk Manager's in-memory
// trunk handles and the Service State Machine's live Service objects.
//
// weak.Pointer and runtime.AddCleanup are what let the aggregator hold a
// subservice-listener cycle without leaking it: the object itself never
// has to know when it is no longer referenced.
package refwatch

import (
	"runtime"
	"sync"
	"weak"

	"github.com/nwfabric/dpb/internal/errcat"
)

// Recoverer rebuilds the object for id when no live weak reference is
// found, typically by rehydrating it from the Persistence Gateway.
type Recoverer[T any] func(id int64) (*T, error)

// Cleanup runs once, after the last strong reference to the object for id
// has been dropped and the garbage collector has reclaimed it. It must not
// retain or dereference the original object (by the time it runs the
// object no longer exists), only tidy up by id (remove listener
// registrations, drop index entries, etc).
type Cleanup func(id int64)

// entry pairs the weak pointer with the handle that cancels its pending
// GC cleanup, so Forget can run the cleanup itself without it firing a
// second time when the collector later reclaims the object.
type entry[T any] struct {
	wp   weak.Pointer[T]
	stop func()
}

// Watcher is a Reference Watcher for one domain type T (Service or Trunk
// in this repository). It is safe for concurrent use.
type Watcher[T any] struct {
	mu      sync.Mutex
	entries map[int64]entry[T]
	cleanup Cleanup
}

// New constructs a Watcher. cleanup may be nil if the owning package has
// nothing to tidy up on last release.
func New[T any](cleanup Cleanup) *Watcher[T] {
	return &Watcher[T]{
		entries: make(map[int64]entry[T]),
		cleanup: cleanup,
	}
}

// Get returns the live object for id, recovering it via recover if no live
// weak reference exists. At most one live instance per id is ever handed
// out: if two goroutines race to recover the same
// id, the second discards its freshly recovered object and returns the
// first's instead.
func (w *Watcher[T]) Get(id int64, recover Recoverer[T]) (*T, error) {
	if strong, ok := w.live(id); ok {
		return strong, nil
	}

	obj, err := recover(id)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errcat.NotFound.Newf("refwatch: recoverer returned nil for id %d", id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[id]; ok {
		if strong := e.wp.Value(); strong != nil {
			return strong, nil
		}
	}
	e := entry[T]{wp: weak.Make(obj)}
	if w.cleanup != nil {
		c := runtime.AddCleanup(obj, w.cleanup, id)
		e.stop = c.Stop
	}
	w.entries[id] = e
	return obj, nil
}

// GetBase returns the currently live object for id without recovering it
// and without extending its external lifetime beyond what the caller
// already holds. It reports
// false if no live instance currently exists.
func (w *Watcher[T]) GetBase(id int64) (*T, bool) {
	return w.live(id)
}

// Forget drops the weak entry for id immediately, without waiting for the
// garbage collector, and runs cleanup right away, cancelling the pending
// GC-driven run so it happens exactly once. Used by removeTrunk/release
// paths that know the id is gone for good and must not wait on GC timing.
func (w *Watcher[T]) Forget(id int64) {
	w.mu.Lock()
	e, existed := w.entries[id]
	delete(w.entries, id)
	w.mu.Unlock()
	if !existed {
		return
	}
	if e.stop != nil {
		e.stop()
	}
	if w.cleanup != nil {
		w.cleanup(id)
	}
}

func (w *Watcher[T]) live(id int64) (*T, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if !ok {
		return nil, false
	}
	v := e.wp.Value()
	if v == nil {
		delete(w.entries, id)
		return nil, false
	}
	return v, true
}
