package client

import (
	"log/slog"
	"time"

	"github.com/ggoodman/cana-go/internal/logctx"
	"github.com/ggoodman/cana-go/transport/wstransport"
)

// DefaultRetryDelay is the fixed pause between a lost connection and the
// next dial attempt.
const DefaultRetryDelay = time.Second

type options struct {
	retryDelay time.Duration
	log        *slog.Logger
	dialOpts   []wstransport.DialOption
}

// Option configures a Session.
type Option func(*options)

// WithRetryDelay overrides the pause between reconnect attempts. The delay
// does not grow between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

// WithLogger sets the session logger. By default logging is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = logctx.Wrap(l)
		}
	}
}

// WithDialOptions passes websocket options through to the dialer created by
// Dial. They have no effect on sessions created with Open.
func WithDialOptions(opts ...wstransport.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithBearerToken sends token in the Authorization header of every websocket
// upgrade request made by Dial.
func WithBearerToken(token string) Option {
	return WithDialOptions(wstransport.WithHeader("Authorization", "Bearer "+token))
}

func buildOptions(opts []Option) options {
	o := options{
		retryDelay: DefaultRetryDelay,
		log:        logctx.Wrap(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
