package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/cana-go/server"
)

// ErrNoNamespace is returned when a topic or method payload names no namespace.
var ErrNoNamespace = errors.New("namespace is required")

// TopicPayload selects what a broker topic subscription reads.
type TopicPayload struct {
	Namespace string `json:"namespace" jsonschema:"required"`
	// After resumes delivery after this event ID instead of starting with
	// the next published message.
	After string `json:"after,omitempty"`
}

// Event is one value emitted by a broker topic.
type Event struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// PublishPayload is the request payload of PublishMethod.
type PublishPayload struct {
	Namespace string          `json:"namespace" jsonschema:"required"`
	Data      json.RawMessage `json:"data"`
}

// PublishResult is the reply of PublishMethod.
type PublishResult struct {
	ID string `json:"id"`
}

// Topic returns a topic streaming the messages of the namespace named by
// the subscription payload. A subscription that reconnects receives the
// messages published from then on; pass After to resume instead.
func Topic(b Broker) server.TopicConfig {
	return server.TopicConfig{
		Description: "Stream the messages published to a namespace.",
		Handler: func(ctx context.Context, sc *server.SubContext, emit server.EmitFunc) error {
			var p TopicPayload
			if err := sc.Bind(&p); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			if p.Namespace == "" {
				return ErrNoNamespace
			}

			err := b.Subscribe(ctx, p.Namespace, p.After, func(ctx context.Context, env MessageEnvelope) error {
				return emit(ctx, Event{ID: env.ID, Data: env.Data})
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// PublishMethod returns a method that publishes its payload's data to a
// namespace.
func PublishMethod(b Broker) server.MethodConfig {
	return server.NewTypedMethod(func(ctx context.Context, _ *server.RequestContext, in PublishPayload) (PublishResult, error) {
		if in.Namespace == "" {
			return PublishResult{}, ErrNoNamespace
		}
		data := in.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		id, err := b.Publish(ctx, in.Namespace, data)
		if err != nil {
			return PublishResult{}, err
		}
		return PublishResult{ID: id}, nil
	}, server.WithMethodDescription("Publish a value to a namespace."))
}
