// Package broadcast provides the two in-process fan-out primitives the client
// session is built on: a replay-latest Value that late watchers observe
// immediately, and a Fanout that delivers every published item to each
// listener whose filter accepts it.
package broadcast

import (
	"context"
	"sync"
)

// Value holds a single current value and notifies watchers of changes. A
// watcher that attaches late observes the most recent value on its first
// call to Next. Intermediate values may be skipped when a watcher is slower
// than the writer; only the latest value is ever replayed.
type Value[T any] struct {
	mu      sync.Mutex
	val     T
	version uint64
	changed chan struct{}
	closed  bool
}

// NewValue creates a Value with an initial state.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{val: initial, version: 1, changed: make(chan struct{})}
}

// Set stores v and wakes every watcher. Set after Close is ignored.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.val = val
	v.version++
	close(v.changed)
	v.changed = make(chan struct{})
}

// Close stores a final value and stops further updates. Watchers still
// receive the final value once.
func (v *Value[T]) Close(final T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.val = final
	v.version++
	v.closed = true
	close(v.changed)
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Watch returns a watcher whose first Next call yields the current value.
func (v *Value[T]) Watch() *Watcher[T] {
	return &Watcher[T]{v: v}
}

// Watcher observes a Value. A Watcher is meant for a single goroutine.
type Watcher[T any] struct {
	v    *Value[T]
	seen uint64
}

// Next blocks until the value differs from the last one this watcher saw,
// then returns it. The second result is false once the Value is closed and
// its final value has already been delivered.
func (w *Watcher[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		w.v.mu.Lock()
		if w.v.version != w.seen {
			w.seen = w.v.version
			val := w.v.val
			w.v.mu.Unlock()
			return val, true, nil
		}
		if w.v.closed {
			val := w.v.val
			w.v.mu.Unlock()
			return val, false, nil
		}
		ch := w.v.changed
		w.v.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}
