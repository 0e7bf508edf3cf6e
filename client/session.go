package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/cana-go/internal/broadcast"
	"github.com/ggoodman/cana-go/internal/wire"
	"github.com/ggoodman/cana-go/transport"
	"github.com/ggoodman/cana-go/transport/wstransport"
)

// ErrClosed is returned by operations on a session after Close.
var ErrClosed = errors.New("session closed")

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateRetrying
	// StateClosed is terminal and only reached through Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a snapshot of the session lifecycle.
type Status struct {
	State State
	// Conn is the live connection while State is StateOpen.
	Conn transport.Conn
	// Gen counts the connections established so far. Two open statuses with
	// different generations belong to different connections.
	Gen uint64
	// Reason explains why the previous connection ended. It is meaningful
	// for StateRetrying and StateClosed.
	Reason transport.Reason
}

type (
	// Frame is a parsed server-to-client frame.
	Frame = wire.ServerFrame
	// Listener receives the inbound frames accepted by its filter.
	Listener = broadcast.Listener[*Frame]
	// StatusWatcher observes status changes. Its first Next returns the
	// current status.
	StatusWatcher = broadcast.Watcher[Status]
)

// Session is one logical connection to a server that survives transport
// loss. It dials, reconnects after a fixed delay when the connection drops
// and multiplexes requests and subscriptions over whichever connection is
// currently live. Messages sent while no connection is open are dropped.
type Session struct {
	dialer transport.Dialer
	opts   options
	log    *slog.Logger

	status *broadcast.Value[Status]
	frames *broadcast.Fanout[*Frame]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn transport.Conn
}

// Open creates a session over d and starts connecting immediately. The
// session ends when Close is called or ctx is cancelled.
func Open(ctx context.Context, d transport.Dialer, opts ...Option) *Session {
	o := buildOptions(opts)
	s := &Session{
		dialer: d,
		opts:   o,
		log:    o.log,
		status: broadcast.NewValue(Status{State: StateConnecting}),
		frames: broadcast.NewFanout[*Frame](),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	go s.run()
	return s
}

// Dial opens a session to a websocket endpoint such as
// "ws://localhost:8080/cana".
func Dial(ctx context.Context, url string, opts ...Option) *Session {
	o := buildOptions(opts)
	return Open(ctx, wstransport.NewDialer(url, o.dialOpts...), opts...)
}

// Watch returns a watcher of the session status. The watcher sees the most
// recent status first, however late it attaches.
func (s *Session) Watch() *StatusWatcher { return s.status.Watch() }

// Status returns the current status.
func (s *Session) Status() Status { return s.status.Get() }

// Listen registers a listener on the inbound frames of every connection
// the session makes. A nil filter accepts all frames. The listener is closed
// when the session closes.
func (s *Session) Listen(filter func(*Frame) bool) *Listener {
	return s.frames.Listen(filter)
}

// Send marshals msg and writes it to the live connection. When no
// connection is open, or the write fails because the connection is going
// away, the message is dropped and Send returns nil.
func (s *Session) Send(ctx context.Context, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	s.write(ctx, conn, b)
	return nil
}

// sendOn writes frame to a specific connection, dropping it if conn is gone.
func (s *Session) sendOn(ctx context.Context, conn transport.Conn, frame *wire.ClientFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	s.write(ctx, conn, b)
	return nil
}

func (s *Session) write(ctx context.Context, conn transport.Conn, b []byte) {
	if conn == nil {
		s.log.DebugContext(ctx, "session.send.dropped", slog.String("reason", "disconnected"))
		return
	}
	if err := conn.Write(ctx, b); err != nil {
		s.log.DebugContext(ctx, "session.send.dropped", slog.String("err", err.Error()))
	}
}

// Close closes the live connection, moves the session to StateClosed and
// stops reconnecting. Pending requests fail with ErrClosed and every
// subscription channel is closed. Close is idempotent.
func (s *Session) Close() error {
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	<-s.done
	return nil
}

// Done is closed once the session has reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setConn(c transport.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) run() {
	defer close(s.done)

	var (
		gen    uint64
		reason = transport.ReasonForcedClose
	)

loop:
	for {
		conn, err := s.dialer.Dial(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				break
			}
			s.log.InfoContext(s.ctx, "session.dial.fail", slog.String("err", err.Error()))
			s.status.Set(Status{State: StateRetrying, Gen: gen, Reason: transport.ReasonTransportError})
		} else {
			gen++
			s.setConn(conn)
			s.status.Set(Status{State: StateOpen, Conn: conn, Gen: gen})
			s.log.InfoContext(s.ctx, "session.open", slog.Uint64("gen", gen))

			err = s.readLoop(conn)
			s.setConn(nil)
			_ = conn.Close()

			r := transport.ReasonOf(err)
			if s.ctx.Err() != nil {
				break
			}
			if !r.Retryable() {
				reason = r
				break
			}
			s.log.InfoContext(s.ctx, "session.conn.lost", slog.String("reason", r.String()), slog.Uint64("gen", gen))
			s.status.Set(Status{State: StateRetrying, Gen: gen, Reason: r})
		}

		t := time.NewTimer(s.opts.retryDelay)
		select {
		case <-t.C:
		case <-s.ctx.Done():
			t.Stop()
			break loop
		}
		s.status.Set(Status{State: StateConnecting, Gen: gen})
	}

	s.cancel()
	s.status.Close(Status{State: StateClosed, Gen: gen, Reason: reason})
	s.frames.Close()
	s.log.InfoContext(context.WithoutCancel(s.ctx), "session.close", slog.String("reason", reason.String()))
}

func (s *Session) readLoop(conn transport.Conn) error {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		f, err := wire.ParseServerFrame(data)
		if err != nil {
			s.log.DebugContext(s.ctx, "session.frame.invalid", slog.String("err", err.Error()))
			continue
		}
		s.frames.Publish(f)
	}
}

// waitOpen blocks until the session has a live connection and returns it.
func (s *Session) waitOpen(ctx context.Context) (Status, error) {
	w := s.status.Watch()
	for {
		st, ok, err := w.Next(ctx)
		if err != nil {
			return Status{}, err
		}
		if !ok || st.State == StateClosed {
			return Status{}, ErrClosed
		}
		if st.State == StateOpen {
			return st, nil
		}
	}
}
