package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/cana-go/transport"
)

func TestDialAccept_EchoAndClose(t *testing.T) {
	t.Parallel()

	serverDone := make(chan transport.Reason, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing upgrade header, got %q", got)
		}
		c, err := Accept(w, r, AcceptOptions{})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := context.Background()
		for {
			data, err := c.Read(ctx)
			if err != nil {
				serverDone <- transport.ReasonOf(err)
				return
			}
			if err := c.Write(ctx, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), WithHeader("Authorization", "Bearer tok"))
	c, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := c.Write(ctx, []byte(`{"hello":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != `{"hello":1}` {
		t.Fatalf("unexpected echo %s", got)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx)
		readErr <- err
	}()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-readErr:
		if transport.ReasonOf(err) != transport.ReasonForcedClose {
			t.Fatalf("expected forced close locally, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for local read to end")
	}

	select {
	case r := <-serverDone:
		if r != transport.ReasonTransportClose {
			t.Fatalf("expected peer close on server, got %v", r)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for server read to end")
	}
}

func TestDial_FailureIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewDialer(url).Dial(ctx)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if transport.ReasonOf(err) != transport.ReasonTransportError {
		t.Fatalf("expected transport error, got %v", err)
	}
}
