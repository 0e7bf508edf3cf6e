// Package stdiotransport carries frames over a byte stream, one frame per
// line. It lets a single client drive a server through a subprocess's stdin
// and stdout instead of a websocket.
//
//	Connection model : 1 process <-> 1 client
//	Framing          : newline-delimited JSON
//	Reconnects       : none; EOF ends the connection
package stdiotransport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/user"
	"sync"

	"github.com/ggoodman/cana-go/transport"
)

// DefaultReadLimit bounds a single line.
const DefaultReadLimit = 1 << 20

// ErrNewline is returned by Write for a frame containing a raw newline.
var ErrNewline = errors.New("frame contains a newline")

// Option customizes a Conn.
type Option func(*Conn)

// WithReadLimit overrides DefaultReadLimit.
func WithReadLimit(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.limit = n
		}
	}
}

type line struct {
	b   []byte
	err error
}

// Conn is a transport.Conn over a reader and a writer.
type Conn struct {
	r     io.Reader
	w     io.Writer
	limit int

	lines chan line
	done  chan struct{}
	once  sync.Once
	wmu   sync.Mutex

	mu  sync.Mutex
	end error
}

// New returns a Conn reading frames from r and writing them to w. Reading
// starts immediately on a background goroutine.
func New(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		r:     r,
		w:     w,
		limit: DefaultReadLimit,
		lines: make(chan line),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.scan()
	return c
}

// Stdio returns a Conn over os.Stdin and os.Stdout.
func Stdio(opts ...Option) *Conn {
	return New(os.Stdin, os.Stdout, opts...)
}

func (c *Conn) scan() {
	sc := bufio.NewScanner(c.r)
	sc.Buffer(make([]byte, 0, min(4096, c.limit)), c.limit)
	for sc.Scan() {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		out := make([]byte, len(b))
		copy(out, b)
		select {
		case c.lines <- line{b: out}:
		case <-c.done:
			return
		}
	}

	var err error
	if serr := sc.Err(); serr != nil {
		err = &transport.CloseError{Reason: transport.ReasonTransportError, Err: serr}
	} else {
		err = &transport.CloseError{Reason: transport.ReasonTransportClose, Err: io.EOF}
	}
	select {
	case c.lines <- line{err: err}:
	case <-c.done:
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}
	select {
	case l := <-c.lines:
		if l.err != nil {
			// Later reads report the same end.
			c.mu.Lock()
			if c.end == nil {
				c.end = l.err
			}
			c.mu.Unlock()
			c.close()
			return nil, l.err
		}
		return l.b, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return ErrNewline
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	if _, err := c.w.Write(buf); err != nil {
		return &transport.CloseError{Reason: transport.ReasonTransportError, Err: err}
	}
	return nil
}

// Close stops delivering frames. The underlying reader and writer are left
// open; they belong to the caller.
func (c *Conn) Close() error {
	c.close()
	return nil
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.end != nil {
		return c.end
	}
	return &transport.CloseError{Reason: transport.ReasonForcedClose, Err: transport.ErrClosed}
}

// LocalUser names the operating system user the process runs as, for use as
// a peer identity. It falls back to the uid and then to "stdio".
func LocalUser() string {
	u, err := user.Current()
	if err != nil {
		return "stdio"
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Uid
}

var _ transport.Conn = (*Conn)(nil)
