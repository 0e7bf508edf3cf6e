package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/cana-go/internal/broadcast"
	"github.com/ggoodman/cana-go/internal/logctx"
	"github.com/ggoodman/cana-go/internal/wire"
	"github.com/google/uuid"
)

// RemoteError is a failure reported by the server for a request.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// IsCommandNotFound reports whether err is the server's reply to a request
// for an unregistered command.
func IsCommandNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Message == wire.MessageCommandNotFound
}

// Request sends cmd with payload once the session is open and waits for the
// matching reply. A failure reported by the server is returned as a
// *RemoteError. Request imposes no timeout of its own: if the connection
// drops before the reply arrives, Request keeps waiting until ctx ends. After
// Close it fails with ErrClosed.
func (s *Session) Request(ctx context.Context, cmd string, payload any) (json.RawMessage, error) {
	rid := "rid-" + uuid.NewString()
	frame, err := wire.NewRequest(cmd, rid, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{Type: string(wire.TypeRequest), ID: rid, Name: cmd})

	// Listen before sending so a fast reply cannot slip past.
	l := s.frames.Listen(func(f *Frame) bool { return f.RID == rid })
	defer l.Close()

	st, err := s.waitOpen(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.sendOn(ctx, st.Conn, frame); err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "session.req.sent", slog.Uint64("gen", st.Gen))

	reply, err := l.Next(ctx)
	if err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if reply.Error != nil {
		return nil, &RemoteError{Message: reply.Error.Message}
	}
	return reply.Payload, nil
}

// RequestInto is Request followed by decoding the result into out.
func (s *Session) RequestInto(ctx context.Context, cmd string, payload, out any) error {
	res, err := s.Request(ctx, cmd, payload)
	if err != nil {
		return err
	}
	if out == nil || len(res) == 0 {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", cmd, err)
	}
	return nil
}
