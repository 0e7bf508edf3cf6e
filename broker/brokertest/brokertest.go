// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cana-go/broker"
)

// BrokerFactory creates a fresh broker for one test.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the suite against brokers built by factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromNext", func(t *testing.T) {
		testPublishAndSubscribeFromNext(t, factory)
	})
	t.Run("ResumeAfterEventID", func(t *testing.T) {
		testResumeAfterEventID(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory)
	})
}

// collector records envelopes delivered to a subscription.
type collector struct {
	mu   sync.Mutex
	envs []broker.MessageEnvelope
}

func (c *collector) handle(ctx context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.envs...)
}

// subscribe runs Subscribe on a goroutine and gives it time to attach.
func subscribe(ctx context.Context, b broker.Broker, namespace, after string, h broker.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, namespace, after, h) }()
	time.Sleep(100 * time.Millisecond)
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not complete within timeout")
		return nil
	}
}

func publish(t *testing.T, ctx context.Context, b broker.Broker, namespace string, v int) string {
	t.Helper()
	id, err := b.Publish(ctx, namespace, []byte(fmt.Sprintf(`{"n":%d}`, v)))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty event ID")
	}
	return id
}

func testPublishAndSubscribeFromNext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ns := "test-namespace"
	// Published before the subscription: not delivered.
	publish(t, ctx, b, ns, 0)

	var got []broker.MessageEnvelope
	done := subscribe(ctx, b, ns, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		got = append(got, env)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})

	id1 := publish(t, ctx, b, ns, 1)
	id2 := publish(t, ctx, b, ns, 2)

	if err := wait(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	if len(got) != 2 || got[0].ID != id1 || got[1].ID != id2 {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if string(got[0].Data) != `{"n":1}` {
		t.Fatalf("unexpected data %s", got[0].Data)
	}
}

func testResumeAfterEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ns := "test-namespace-2"
	id1 := publish(t, ctx, b, ns, 1)
	id2 := publish(t, ctx, b, ns, 2)

	var got []broker.MessageEnvelope
	err := b.Subscribe(ctx, ns, id1, func(ctx context.Context, env broker.MessageEnvelope) error {
		got = append(got, env)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("subscription error: %v", err)
	}
	if len(got) != 1 || got[0].ID != id2 || string(got[0].Data) != `{"n":2}` {
		t.Fatalf("unexpected delivery %+v", got)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ns := "test-namespace-3"
	var c1, c2 collector
	done1 := subscribe(ctx, b, ns, "", c1.handle)
	done2 := subscribe(ctx, b, ns, "", c2.handle)

	id := publish(t, ctx, b, ns, 1)
	time.Sleep(200 * time.Millisecond)
	cancel()
	wait(t, done1)
	wait(t, done2)

	for i, c := range []*collector{&c1, &c2} {
		got := c.snapshot()
		if len(got) != 1 || got[0].ID != id {
			t.Fatalf("subscriber %d: unexpected delivery %+v", i+1, got)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var c1, c2 collector
	done1 := subscribe(ctx, b, "test-namespace-4a", "", c1.handle)
	done2 := subscribe(ctx, b, "test-namespace-4b", "", c2.handle)

	publish(t, ctx, b, "test-namespace-4a", 1)
	publish(t, ctx, b, "test-namespace-4b", 2)
	time.Sleep(200 * time.Millisecond)
	cancel()
	wait(t, done1)
	wait(t, done2)

	got1, got2 := c1.snapshot(), c2.snapshot()
	if len(got1) != 1 || string(got1[0].Data) != `{"n":1}` {
		t.Fatalf("namespace a: unexpected delivery %+v", got1)
	}
	if len(got2) != 1 || string(got2[0].Data) != `{"n":2}` {
		t.Fatalf("namespace b: unexpected delivery %+v", got2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := b.Subscribe(ctx, "test-namespace-5", "", func(ctx context.Context, env broker.MessageEnvelope) error {
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expected := errors.New("handler error")
	done := subscribe(ctx, b, "test-namespace-6", "", func(ctx context.Context, env broker.MessageEnvelope) error {
		return expected
	})
	publish(t, ctx, b, "test-namespace-6", 1)

	if err := wait(t, done); !errors.Is(err, expected) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ns := "test-namespace-7"
	id := publish(t, ctx, b, ns, 1)
	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	subCtx, subCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer subCancel()
	err := b.Subscribe(subCtx, ns, id, func(ctx context.Context, env broker.MessageEnvelope) error {
		t.Errorf("received %s after cleanup", env.ID)
		return nil
	})
	// Implementations may refuse the unknown id or simply deliver nothing.
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("subscription after cleanup returned: %v", err)
	}
}

func testResumeFromUnknownEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Subscribe(ctx, "test-namespace-8", "non-existent-id", func(ctx context.Context, env broker.MessageEnvelope) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected error for unknown event ID")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("subscription should fail immediately for an unknown event ID")
	}
}

// cleanupBroker removes the namespaces used by the suite and closes b when
// it has a Close method. Failures are logged only.
func cleanupBroker(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespaces := []string{
		"test-namespace", "test-namespace-2", "test-namespace-3",
		"test-namespace-4a", "test-namespace-4b", "test-namespace-5",
		"test-namespace-6", "test-namespace-7", "test-namespace-8",
	}
	for _, ns := range namespaces {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Logf("failed to cleanup namespace %s: %v", ns, err)
		}
	}

	if closer, ok := b.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			t.Logf("failed to close broker: %v", err)
		}
	}
}
