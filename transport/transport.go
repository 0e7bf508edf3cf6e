// Package transport defines the framed duplex channel the session and the
// router are written against. Implementations live in subpackages:
//
//	wstransport  : websocket connections (github.com/coder/websocket)
//	memtransport : in-process pipes for tests and embedding
//
// A Conn carries one text frame per Read/Write. When a connection ends, Read
// returns a *CloseError whose Reason tells the client session whether the
// loss is worth a reconnect attempt.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is wrapped by CloseError values produced after a local Close.
var ErrClosed = errors.New("transport closed")

// Reason classifies why a connection ended.
type Reason int

const (
	// ReasonTransportError covers I/O failures and failed dials.
	ReasonTransportError Reason = iota
	// ReasonTransportClose means the peer closed the connection.
	ReasonTransportClose
	// ReasonForcedClose means the connection was closed locally on purpose.
	ReasonForcedClose
)

func (r Reason) String() string {
	switch r {
	case ReasonTransportError:
		return "transport error"
	case ReasonTransportClose:
		return "transport close"
	case ReasonForcedClose:
		return "forced close"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Retryable reports whether a reconnect should follow a connection ending
// for this reason.
func (r Reason) Retryable() bool {
	return r == ReasonTransportError || r == ReasonTransportClose
}

// CloseError reports the end of a connection.
type CloseError struct {
	Reason Reason
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Err.Error()
}

func (e *CloseError) Unwrap() error { return e.Err }

// ReasonOf extracts the Reason from err. Errors that are not a CloseError
// count as transport errors.
func ReasonOf(err error) Reason {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ReasonTransportError
}

// Conn is a framed duplex connection. Write and Close may be called
// concurrently with Read; Read must only be called from one goroutine.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
