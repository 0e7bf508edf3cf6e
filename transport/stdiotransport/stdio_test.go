package stdiotransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/cana-go/transport"
)

func TestConn_ReadsLines(t *testing.T) {
	t.Parallel()

	c := New(strings.NewReader("{\"a\":1}\n\n  {\"b\":2}  \n"), io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("want %s, got %s", want, got)
		}
	}

	_, err := c.Read(ctx)
	if r := transport.ReasonOf(err); r != transport.ReasonTransportClose {
		t.Fatalf("want transport close at EOF, got %v (%v)", r, err)
	}
	// The end is sticky.
	_, err = c.Read(ctx)
	if r := transport.ReasonOf(err); r != transport.ReasonTransportClose {
		t.Fatalf("want transport close again, got %v (%v)", r, err)
	}
}

func TestConn_WriteAppendsNewline(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := New(strings.NewReader(""), &buf)
	defer c.Close()

	if err := c.Write(context.Background(), []byte(`{"rid":"1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "{\"rid\":\"1\"}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if err := c.Write(context.Background(), []byte("a\nb")); !errors.Is(err, ErrNewline) {
		t.Fatalf("expected ErrNewline, got %v", err)
	}
}

func TestConn_CloseIsForced(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	c := New(pr, io.Discard)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := c.Read(context.Background())
	if r := transport.ReasonOf(err); r != transport.ReasonForcedClose || !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("want forced close, got %v", err)
	}
	if err := c.Write(context.Background(), []byte("{}")); transport.ReasonOf(err) != transport.ReasonForcedClose {
		t.Fatalf("write after close: %v", err)
	}
}

func TestConn_ReadHonoursContext(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	c := New(pr, io.Discard)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestConn_LineTooLong(t *testing.T) {
	t.Parallel()

	c := New(strings.NewReader(strings.Repeat("x", 64)+"\n"), io.Discard, WithReadLimit(16))
	_, err := c.Read(context.Background())
	if r := transport.ReasonOf(err); r != transport.ReasonTransportError {
		t.Fatalf("want transport error, got %v (%v)", r, err)
	}
}
