package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ggoodman/cana-go/transport"
)

// Peer describes the remote end of a connection.
type Peer struct {
	ConnID     string
	RemoteAddr string
	UserAgent  string
	// Header holds the upgrade request headers for HTTP-attached connections.
	Header http.Header
}

// SubContext is the per-attempt context handed to preSub extensions and then
// to the topic handler. Extensions enrich it with Set.
type SubContext struct {
	Topic   string
	SID     string
	Payload json.RawMessage
	// Conn is the connection the subscription arrived on.
	Conn transport.Conn
	Peer Peer

	mu     sync.RWMutex
	values map[any]any
}

// Bind decodes the subscription payload into v. An absent payload leaves v
// untouched.
func (c *SubContext) Bind(v any) error { return bind(c.Payload, v) }

// Set attaches a value for later extensions and the handler.
func (c *SubContext) Set(key, val any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[any]any)
	}
	c.values[key] = val
}

// Value returns a value attached with Set, or nil.
func (c *SubContext) Value(key any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// RequestContext is handed to a method handler.
type RequestContext struct {
	Cmd     string
	RID     string
	Payload json.RawMessage
	Conn    transport.Conn
	Peer    Peer
}

// Bind decodes the request payload into v. An absent payload leaves v
// untouched.
func (c *RequestContext) Bind(v any) error { return bind(c.Payload, v) }

func bind(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
