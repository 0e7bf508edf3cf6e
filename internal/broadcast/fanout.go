package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Listener.Next once the listener or its Fanout is closed.
var ErrClosed = errors.New("listener closed")

// Fanout delivers published items to every listener whose filter accepts
// them. Publish never blocks: each listener buffers without bound, so a slow
// listener cannot stall the publisher or its peers.
type Fanout[T any] struct {
	mu        sync.RWMutex
	listeners map[*Listener[T]]struct{}
	closed    bool
}

// NewFanout creates an empty Fanout.
func NewFanout[T any]() *Fanout[T] {
	return &Fanout[T]{listeners: make(map[*Listener[T]]struct{})}
}

// Listen registers a listener. A nil filter accepts every item. Items
// published before Listen returns are not delivered.
func (f *Fanout[T]) Listen(filter func(T) bool) *Listener[T] {
	l := &Listener[T]{
		f:      f,
		filter: filter,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		l.closeOnce.Do(func() { close(l.done) })
		return l
	}
	f.listeners[l] = struct{}{}
	return l
}

// Publish offers item to every listener.
func (f *Fanout[T]) Publish(item T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}
	for l := range f.listeners {
		if l.filter != nil && !l.filter(item) {
			continue
		}
		l.push(item)
	}
}

// Close closes every listener and rejects future ones.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	ls := f.listeners
	f.listeners = make(map[*Listener[T]]struct{})
	f.mu.Unlock()

	for l := range ls {
		l.closeOnce.Do(func() { close(l.done) })
	}
}

func (f *Fanout[T]) remove(l *Listener[T]) {
	f.mu.Lock()
	delete(f.listeners, l)
	f.mu.Unlock()
}

// Listener receives the items of a Fanout accepted by its filter, in
// publish order.
type Listener[T any] struct {
	f      *Fanout[T]
	filter func(T) bool

	mu    sync.Mutex
	queue []T

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (l *Listener[T]) push(item T) {
	l.mu.Lock()
	l.queue = append(l.queue, item)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an item is available, the listener is closed or ctx ends.
// Items still queued when the listener closes are discarded.
func (l *Listener[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		select {
		case <-l.done:
			return zero, ErrClosed
		default:
		}

		l.mu.Lock()
		if len(l.queue) > 0 {
			item := l.queue[0]
			l.queue[0] = zero
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return item, nil
		}
		l.mu.Unlock()

		select {
		case <-l.signal:
		case <-l.done:
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Done is closed when the listener is closed.
func (l *Listener[T]) Done() <-chan struct{} { return l.done }

// Close detaches the listener. It is safe to call more than once.
func (l *Listener[T]) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.f.remove(l)
	})
}
