// Package memorybroker provides an in-memory implementation of broker.Broker.
// State is local to the process, which makes it suitable for single-node
// deployments and tests.
package memorybroker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/cana-go/broker"
)

// Broker implements broker.Broker with a per-namespace message log.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

type namespace struct {
	mu       sync.Mutex
	messages []broker.MessageEnvelope
	// changed is closed and replaced whenever messages grows or the
	// namespace is cleaned up.
	changed chan struct{}
	removed bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{namespaces: make(map[string]*namespace)}
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()

	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{changed: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	ns := b.namespace(namespaceName)
	ns.mu.Lock()
	ns.messages = append(ns.messages, env)
	close(ns.changed)
	ns.changed = make(chan struct{})
	ns.mu.Unlock()

	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	next := len(ns.messages)
	if lastEventID != "" {
		next = -1
		for i, msg := range ns.messages {
			if msg.ID == lastEventID {
				next = i + 1
				break
			}
		}
	}
	ns.mu.Unlock()

	if next < 0 {
		return fmt.Errorf("%w: %q in namespace %q", broker.ErrUnknownEventID, lastEventID, namespaceName)
	}

	for {
		ns.mu.Lock()
		removed := ns.removed
		var pending []broker.MessageEnvelope
		if !removed {
			pending = ns.messages[next:]
		}
		changed := ns.changed
		ns.mu.Unlock()

		if removed {
			// Keep waiting on the namespace that replaces this one.
			ns = b.namespace(namespaceName)
			next = 0
			continue
		}

		for _, msg := range pending {
			if err := handler(ctx, msg); err != nil {
				return err
			}
			next++
		}

		if len(pending) > 0 {
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cleanup implements broker.Broker. Live subscriptions continue with
// messages published after the cleanup.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	ns.mu.Lock()
	ns.removed = true
	ns.messages = nil
	close(ns.changed)
	ns.changed = make(chan struct{})
	ns.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
