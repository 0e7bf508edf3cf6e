// Package broker connects topics to a message log that outlives any single
// connection. Values published to a namespace are delivered, in order, to
// every subscription reading that namespace, whichever server node accepted
// the subscriber.
//
// Implementations:
//
//	memorybroker : single process, for development and tests
//	redisbroker  : Redis Streams, for horizontally scaled servers
//
// Topic and PublishMethod expose a Broker through a server.Registry.
package broker

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when asked to resume after an
// event the broker does not know.
var ErrUnknownEventID = errors.New("unknown event id")

// Broker handles namespaced, ordered message delivery.
type Broker interface {
	// Publish appends data to namespace and returns the generated event ID.
	// data must be valid JSON.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for every message of namespace until ctx ends
	// or handler fails. With an empty lastEventID delivery starts with the
	// next published message; otherwise it resumes after lastEventID.
	// Subscribe returns the handler's error, or ctx.Err().
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes the stored messages of namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler processes one delivered message.
type MessageHandler func(ctx context.Context, env MessageEnvelope) error

// MessageEnvelope wraps a message with its position in the namespace.
type MessageEnvelope struct {
	// ID is unique and increasing within the namespace.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
