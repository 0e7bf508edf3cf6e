// Package memtransport provides in-process transport connections. A Network
// pairs a Dialer with a Listener; closing the Listener drops every live
// connection the way a server restart would, which makes reconnect behavior
// testable without sockets.
package memtransport

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/cana-go/transport"
)

const frameBuffer = 256

var (
	// ErrRefused is returned by Dial while no Listener is active.
	ErrRefused = errors.New("connection refused")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")
)

// Network connects dialers to the currently active listener.
type Network struct {
	mu sync.Mutex
	ln *Listener
}

// NewNetwork creates a network with no listener.
func NewNetwork() *Network { return &Network{} }

// Listen starts a new listener, replacing any previous one.
func (n *Network) Listen() *Listener {
	ln := &Listener{
		net:    n,
		accept: make(chan transport.Conn, 16),
		done:   make(chan struct{}),
		live:   make(map[*pipe]struct{}),
	}
	n.mu.Lock()
	old := n.ln
	n.ln = ln
	n.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return ln
}

// Dialer returns a dialer bound to this network.
func (n *Network) Dialer() transport.Dialer {
	return transport.DialerFunc(n.dial)
}

func (n *Network) dial(ctx context.Context) (transport.Conn, error) {
	n.mu.Lock()
	ln := n.ln
	n.mu.Unlock()

	if ln == nil {
		return nil, &transport.CloseError{Reason: transport.ReasonTransportError, Err: ErrRefused}
	}

	p := newPipe()
	if !ln.track(p) {
		return nil, &transport.CloseError{Reason: transport.ReasonTransportError, Err: ErrRefused}
	}

	select {
	case ln.accept <- p.b:
		return p.a, nil
	case <-ln.done:
		p.close(nil)
		return nil, &transport.CloseError{Reason: transport.ReasonTransportError, Err: ErrRefused}
	case <-ctx.Done():
		p.close(nil)
		return nil, ctx.Err()
	}
}

// Listener hands server-side ends of dialed connections to Accept.
type Listener struct {
	net    *Network
	accept chan transport.Conn
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	live map[*pipe]struct{}
}

func (l *Listener) track(p *pipe) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		return false
	default:
	}
	l.live[p] = struct{}{}
	p.onClose = func() {
		l.mu.Lock()
		delete(l.live, p)
		l.mu.Unlock()
	}
	return true
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and drops every live connection. Both ends observe
// transport.ReasonTransportClose.
func (l *Listener) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		live := make([]*pipe, 0, len(l.live))
		for p := range l.live {
			live = append(live, p)
		}
		l.mu.Unlock()

		for _, p := range live {
			p.close(nil)
		}

		l.net.mu.Lock()
		if l.net.ln == l {
			l.net.ln = nil
		}
		l.net.mu.Unlock()
	})
}

// Live reports the number of connections still open.
func (l *Listener) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

type pipe struct {
	a, b *end

	once     sync.Once
	done     chan struct{}
	closedBy *end
	onClose  func()
}

func newPipe() *pipe {
	ab := make(chan []byte, frameBuffer)
	ba := make(chan []byte, frameBuffer)
	p := &pipe{done: make(chan struct{})}
	p.a = &end{p: p, in: ba, out: ab}
	p.b = &end{p: p, in: ab, out: ba}
	return p
}

func (p *pipe) close(by *end) {
	p.once.Do(func() {
		p.closedBy = by
		close(p.done)
		if p.onClose != nil {
			p.onClose()
		}
	})
}

type end struct {
	p   *pipe
	in  <-chan []byte
	out chan<- []byte
}

func (e *end) closeErr() error {
	if e.p.closedBy == e {
		return &transport.CloseError{Reason: transport.ReasonForcedClose, Err: transport.ErrClosed}
	}
	return &transport.CloseError{Reason: transport.ReasonTransportClose}
}

func (e *end) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-e.in:
		return b, nil
	case <-e.p.done:
		// Frames written before the close are still delivered.
		select {
		case b := <-e.in:
			return b, nil
		default:
		}
		return nil, e.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *end) Write(ctx context.Context, data []byte) error {
	select {
	case <-e.p.done:
		return e.closeErr()
	default:
	}

	b := make([]byte, len(data))
	copy(b, data)

	select {
	case e.out <- b:
		return nil
	case <-e.p.done:
		return e.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *end) Close() error {
	e.p.close(e)
	return nil
}

var _ transport.Conn = (*end)(nil)
