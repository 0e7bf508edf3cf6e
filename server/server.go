package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/cana-go/internal/logctx"
	"github.com/ggoodman/cana-go/transport"
	"github.com/ggoodman/cana-go/transport/wstransport"
	"github.com/google/uuid"
)

// DefaultPath is the HTTP path the server accepts websocket upgrades on.
const DefaultPath = "/cana"

var _ http.Handler = (*Server)(nil)

// ErrServerClosed is returned by Serve and ServeConn after Shutdown.
var ErrServerClosed = errors.New("server closed")

// Acceptor yields inbound connections, e.g. a memtransport.Listener.
type Acceptor interface {
	Accept(ctx context.Context) (transport.Conn, error)
}

// Server accepts connections and gives each its own Router over a shared
// Registry.
type Server struct {
	reg    *Registry
	log    *slog.Logger
	path   string
	accept wstransport.AcceptOptions

	mu       sync.Mutex
	conns    map[transport.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. By default logging is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = logctx.Wrap(l)
		}
	}
}

// WithPath sets the HTTP path served by ServeHTTP. An empty path accepts
// upgrades on any path.
func WithPath(p string) Option {
	return func(s *Server) { s.path = p }
}

// WithAcceptOptions configures websocket upgrades.
func WithAcceptOptions(o wstransport.AcceptOptions) Option {
	return func(s *Server) { s.accept = o }
}

// New creates a server for reg.
func New(reg *Registry, opts ...Option) *Server {
	s := &Server{
		reg:   reg,
		log:   logctx.Wrap(nil),
		path:  DefaultPath,
		conns: make(map[transport.Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Registry returns the registry the server dispatches against.
func (s *Server) Registry() *Registry { return s.reg }

// ServeHTTP upgrades the request to a websocket and serves it until the
// connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.path != "" && r.URL.Path != s.path {
		http.NotFound(w, r)
		return
	}

	conn, err := wstransport.Accept(w, r, s.accept)
	if err != nil {
		s.log.InfoContext(r.Context(), "http.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	peer := Peer{
		ConnID:     uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Header:     r.Header.Clone(),
	}
	if err := s.ServeConn(r.Context(), conn, peer); err != nil && !errors.Is(err, ErrServerClosed) {
		s.log.InfoContext(r.Context(), "conn.serve.fail", slog.String("err", err.Error()))
	}
}

// Serve accepts connections from a until ctx ends, a fails or Shutdown is
// called. Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context, a Acceptor) error {
	for {
		conn, err := a.Accept(ctx)
		if err != nil {
			if s.isShutdown() {
				return ErrServerClosed
			}
			return err
		}
		go func() {
			_ = s.ServeConn(ctx, conn, Peer{})
		}()
	}
}

// ServeConn serves one connection until it closes. The connection is closed
// when ServeConn returns.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn, peer Peer) error {
	if peer.ConnID == "" {
		peer.ConnID = uuid.NewString()
	}
	if !s.track(conn) {
		_ = conn.Close()
		return ErrServerClosed
	}
	defer s.untrack(conn)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     peer.ConnID,
		RemoteAddr: peer.RemoteAddr,
		UserAgent:  peer.UserAgent,
	})

	router := NewRouter(ctx, s.reg, conn, peer, s.log)
	s.log.InfoContext(ctx, "conn.open")

	var err error
	for {
		var data []byte
		data, err = conn.Read(ctx)
		if err != nil {
			break
		}
		router.Handle(data)
	}

	router.Close()
	_ = conn.Close()

	reason := transport.ReasonOf(err)
	s.log.InfoContext(ctx, "conn.close", slog.String("reason", reason.String()))

	switch {
	case s.isShutdown():
		return ErrServerClosed
	case ctx.Err() != nil:
		return nil
	case reason == transport.ReasonTransportError:
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every live one and waits for
// their routers to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) track(c transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c transport.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}
