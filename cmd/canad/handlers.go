package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/cana-go/server"
)

type tickPayload struct {
	// Count stops the stream after this many ticks. Zero means forever.
	Count int `json:"count,omitempty"`
}

type tick struct {
	N  int       `json:"n"`
	At time.Time `json:"at"`
}

func echoMethod() server.MethodConfig {
	return server.MethodConfig{
		Description: "Reply with the request payload.",
		Handler: func(ctx context.Context, rc *server.RequestContext) (any, error) {
			if len(rc.Payload) == 0 {
				return nil, nil
			}
			return rc.Payload, nil
		},
	}
}

func tickerTopic(every time.Duration) server.TopicConfig {
	return server.TopicConfig{
		Description: fmt.Sprintf("Emit a counter every %s.", every),
		Handler: func(ctx context.Context, sc *server.SubContext, emit server.EmitFunc) error {
			var p tickPayload
			if err := sc.Bind(&p); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}

			t := time.NewTicker(every)
			defer t.Stop()

			for n := 0; p.Count == 0 || n < p.Count; n++ {
				select {
				case <-ctx.Done():
					return nil
				case now := <-t.C:
					if err := emit(ctx, tick{N: n, At: now.UTC()}); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
