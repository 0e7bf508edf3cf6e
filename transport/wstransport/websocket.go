// Package wstransport implements transport.Conn over websockets using
// github.com/coder/websocket.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/ggoodman/cana-go/transport"
)

// DefaultReadLimit caps the size of a single inbound frame.
const DefaultReadLimit int64 = 1 << 20

// Conn adapts a *websocket.Conn to transport.Conn.
type Conn struct {
	ws      *websocket.Conn
	closing atomic.Bool
}

// Wrap adapts an established websocket connection.
func Wrap(ws *websocket.Conn, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, c.classify(err)
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return c.classify(err)
	}
	return nil
}

// Close performs a normal closure handshake. Reads that fail afterwards report
// transport.ReasonForcedClose.
func (c *Conn) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) classify(err error) error {
	switch {
	case c.closing.Load():
		return &transport.CloseError{Reason: transport.ReasonForcedClose, Err: errors.Join(transport.ErrClosed, err)}
	case websocket.CloseStatus(err) != -1:
		return &transport.CloseError{Reason: transport.ReasonTransportClose, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &transport.CloseError{Reason: transport.ReasonTransportError, Err: err}
	}
}

// Dialer opens websocket client connections to a fixed URL.
type Dialer struct {
	url       string
	opts      websocket.DialOptions
	readLimit int64
}

// DialOption configures a Dialer.
type DialOption func(*Dialer)

// WithHeader adds an HTTP header sent with the upgrade request, e.g. an
// Authorization bearer token.
func WithHeader(key, value string) DialOption {
	return func(d *Dialer) {
		if d.opts.HTTPHeader == nil {
			d.opts.HTTPHeader = http.Header{}
		}
		d.opts.HTTPHeader.Add(key, value)
	}
}

// WithHTTPClient overrides the HTTP client used for the upgrade request.
func WithHTTPClient(c *http.Client) DialOption {
	return func(d *Dialer) {
		if c != nil {
			d.opts.HTTPClient = c
		}
	}
}

// WithReadLimit overrides DefaultReadLimit.
func WithReadLimit(n int64) DialOption {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// NewDialer creates a Dialer for url (ws:// or wss://).
func NewDialer(url string, opts ...DialOption) *Dialer {
	d := &Dialer{url: url, readLimit: DefaultReadLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dial implements transport.Dialer. A failed dial is a transport error.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	opts := d.opts
	ws, _, err := websocket.Dial(ctx, d.url, &opts)
	if err != nil {
		return nil, &transport.CloseError{Reason: transport.ReasonTransportError, Err: fmt.Errorf("dial %s: %w", d.url, err)}
	}
	return Wrap(ws, d.readLimit), nil
}

// AcceptOptions configures Accept.
type AcceptOptions struct {
	// OriginPatterns lists hosts allowed to connect cross-origin.
	OriginPatterns []string
	// InsecureSkipVerify disables the origin check entirely.
	InsecureSkipVerify bool
	// ReadLimit overrides DefaultReadLimit.
	ReadLimit int64
}

// Accept upgrades an HTTP request to a websocket connection. On failure the
// response has already been written.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     opts.OriginPatterns,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return Wrap(ws, opts.ReadLimit), nil
}

var _ transport.Conn = (*Conn)(nil)
var _ transport.Dialer = (*Dialer)(nil)
