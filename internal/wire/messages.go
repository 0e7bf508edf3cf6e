package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType tags client-to-server frames.
type FrameType string

const (
	TypeRequest   FrameType = "req"
	TypeSubscribe FrameType = "sub"
	TypeDispose   FrameType = "dispose"
)

// MessageCommandNotFound is the error message replied to requests naming an
// unregistered command.
const MessageCommandNotFound = "Command not found"

var (
	ErrUnknownType    = errors.New("unknown frame type")
	ErrMissingField   = errors.New("missing required field")
	ErrAmbiguousFrame = errors.New("ambiguous frame")
)

// ClientFrame is any frame sent from a client to a server.
type ClientFrame struct {
	Type    FrameType       `json:"type"`
	Cmd     string          `json:"cmd,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	RID     string          `json:"rid,omitempty"`
	SID     string          `json:"sid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is any frame sent from a server to a client. Replies carry a
// RID, subscription values carry a SID. A reply carries either Payload or
// Error, never both.
type ServerFrame struct {
	RID     string          `json:"rid,omitempty"`
	SID     string          `json:"sid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the failure object of a reply frame.
type Error struct {
	Message string `json:"message"`
}

// IsReply reports whether the frame answers a request.
func (f *ServerFrame) IsReply() bool { return f.RID != "" }

// IsEvent reports whether the frame carries a subscription value.
func (f *ServerFrame) IsEvent() bool { return f.SID != "" }

// NewRequest builds a 'req' frame.
func NewRequest(cmd, rid string, payload any) (*ClientFrame, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &ClientFrame{Type: TypeRequest, Cmd: cmd, RID: rid, Payload: raw}, nil
}

// NewSubscribe builds a 'sub' frame.
func NewSubscribe(topic, sid string, payload any) (*ClientFrame, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &ClientFrame{Type: TypeSubscribe, Topic: topic, SID: sid, Payload: raw}, nil
}

// NewDispose builds a 'dispose' frame.
func NewDispose(topic, sid string) *ClientFrame {
	return &ClientFrame{Type: TypeDispose, Topic: topic, SID: sid}
}

// NewResult builds a successful reply frame.
func NewResult(rid string, result any) (*ServerFrame, error) {
	raw, err := EncodePayload(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &ServerFrame{RID: rid, Payload: raw}, nil
}

// NewError builds a failed reply frame.
func NewError(rid, message string) *ServerFrame {
	return &ServerFrame{RID: rid, Error: &Error{Message: message}}
}

// NewEvent builds a subscription value frame.
func NewEvent(sid string, value any) (*ServerFrame, error) {
	raw, err := EncodePayload(value)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &ServerFrame{SID: sid, Payload: raw}, nil
}

// EncodePayload marshals v unless it is already raw JSON. A nil value yields
// a nil message so the field is omitted.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// ParseClientFrame decodes and validates a client frame. Field requirements
// are only those needed to route the frame; registry lookups happen later.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch f.Type {
	case TypeRequest:
		if f.RID == "" {
			return nil, fmt.Errorf("%w: rid", ErrMissingField)
		}
	case TypeSubscribe:
		if f.SID == "" {
			return nil, fmt.Errorf("%w: sid", ErrMissingField)
		}
		if f.Topic == "" {
			return nil, fmt.Errorf("%w: topic", ErrMissingField)
		}
	case TypeDispose:
		if f.SID == "" {
			return nil, fmt.Errorf("%w: sid", ErrMissingField)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return &f, nil
}

// ParseServerFrame decodes and validates a server frame.
func ParseServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	hasRID := f.RID != ""
	hasSID := f.SID != ""

	switch {
	case hasRID && hasSID:
		return nil, fmt.Errorf("%w: both rid and sid set", ErrAmbiguousFrame)
	case !hasRID && !hasSID:
		return nil, fmt.Errorf("%w: rid or sid", ErrMissingField)
	case hasRID && f.Error != nil && len(f.Payload) > 0:
		return nil, fmt.Errorf("%w: reply cannot have both payload and error", ErrAmbiguousFrame)
	case hasSID && f.Error != nil:
		return nil, fmt.Errorf("%w: event frames cannot carry an error", ErrAmbiguousFrame)
	}

	return &f, nil
}
