package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/ggoodman/cana-go/internal/wire"
	"github.com/ggoodman/cana-go/transport/memtransport"
)

func TestServer_ShutdownDisposesSubscriptions(t *testing.T) {
	t.Parallel()

	var started, torndown atomic.Int32
	reg := NewRegistry()
	reg.Topic("camp", countingTopic(&started, &torndown))
	srv := New(reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := memtransport.NewNetwork()
	ln := n.Listen()
	defer ln.Close()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	c, err := n.Dialer().Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sub, err := wire.NewSubscribe("camp", "sid-1", nil)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	b, _ := json.Marshal(sub)
	if err := c.Write(ctx, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.Read(ctx); err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if torndown.Load() != 1 {
		t.Fatalf("expected teardown after shutdown, got %d", torndown.Load())
	}

	// The client end observes the drop.
	if _, err := c.Read(ctx); err == nil {
		t.Fatal("expected read error after shutdown")
	}

	// A connection arriving after shutdown is refused.
	if err := srv.ServeConn(ctx, noopConn{}, Peer{}); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expected ErrServerClosed, got %v", err)
	}

	ln.Close()
	select {
	case err := <-served:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("expected ErrServerClosed from Serve, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_ServeHTTPWebsocket(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Method("whoami", MethodConfig{Handler: func(ctx context.Context, rc *RequestContext) (any, error) {
		return map[string]string{"ua": rc.Peer.UserAgent, "x": rc.Peer.Header.Get("X-Test")}, nil
	}})
	srv := New(reg)

	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultPath
	h := http.Header{}
	h.Set("User-Agent", "cana-test")
	h.Set("X-Test", "yes")
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	req, err := wire.NewRequest("whoami", "rid-1", nil)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	b, _ := json.Marshal(req)
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := wire.ParseServerFrame(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(f.Payload) != `{"ua":"cana-test","x":"yes"}` {
		t.Fatalf("unexpected payload %s", f.Payload)
	}
}

func TestServer_ServeHTTPWrongPath(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(New(NewRegistry()))
	defer ts.Close()

	res, err := http.Get(ts.URL + "/elsewhere")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

type noopConn struct{}

func (noopConn) Read(ctx context.Context) ([]byte, error) { <-ctx.Done(); return nil, ctx.Err() }
func (noopConn) Write(context.Context, []byte) error      { return nil }
func (noopConn) Close() error                             { return nil }
