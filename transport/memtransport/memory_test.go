package memtransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/cana-go/transport"
)

func TestNetwork_DialWithoutListenerIsRefused(t *testing.T) {
	t.Parallel()

	n := NewNetwork()
	_, err := n.Dialer().Dial(context.Background())
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("expected ErrRefused, got %v", err)
	}
	if transport.ReasonOf(err) != transport.ReasonTransportError {
		t.Fatalf("expected transport error, got %v", transport.ReasonOf(err))
	}
}

func TestNetwork_RoundTripAndLocalClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n := NewNetwork()
	ln := n.Listen()
	defer ln.Close()

	client, err := n.Dialer().Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := client.Write(ctx, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := server.Read(ctx)
	if err != nil || string(got) != "ping" {
		t.Fatalf("read: %q %v", got, err)
	}

	_ = client.Close()
	if _, err := client.Read(ctx); transport.ReasonOf(err) != transport.ReasonForcedClose {
		t.Fatalf("closer should see forced close, got %v", err)
	}
	if _, err := server.Read(ctx); transport.ReasonOf(err) != transport.ReasonTransportClose {
		t.Fatalf("peer should see transport close, got %v", err)
	}
	if ln.Live() != 0 {
		t.Fatalf("expected no live connections, got %d", ln.Live())
	}
}

func TestListener_CloseDropsConnections(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n := NewNetwork()
	ln := n.Listen()

	client, err := n.Dialer().Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := ln.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ln.Close()

	if _, err := client.Read(ctx); transport.ReasonOf(err) != transport.ReasonTransportClose {
		t.Fatalf("expected transport close, got %v", err)
	}
	if _, err := ln.Accept(ctx); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
	if _, err := n.Dialer().Dial(ctx); !errors.Is(err, ErrRefused) {
		t.Fatalf("expected refusal after listener close, got %v", err)
	}
}
