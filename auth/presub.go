package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ggoodman/cana-go/server"
)

type userKey struct{}

// PreSubOption configures PreSub.
type PreSubOption func(*preSubConfig)

type preSubConfig struct {
	payloadField string
	topics       map[string]bool
}

// WithPayloadToken also accepts a token carried in the named top-level
// field of the subscription payload. The Authorization header of the
// connection wins when both are present.
func WithPayloadToken(field string) PreSubOption {
	return func(c *preSubConfig) { c.payloadField = field }
}

// ForTopics limits the extension to the named topics; other topics pass
// through unauthenticated.
func ForTopics(names ...string) PreSubOption {
	return func(c *preSubConfig) {
		if c.topics == nil {
			c.topics = make(map[string]bool)
		}
		for _, n := range names {
			c.topics[n] = true
		}
	}
}

// PreSub returns a preSub extension that authenticates every subscription
// attempt with a. The token is taken from the "Authorization: Bearer" header
// of the connection's upgrade request, or from the payload when
// WithPayloadToken is set. On success the UserInfo is attached to the
// SubContext (see UserFrom); on failure the attempt is aborted.
func PreSub(a Authenticator, opts ...PreSubOption) server.ExtensionFunc {
	var cfg preSubConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(ctx context.Context, topic *server.TopicConfig, sc *server.SubContext) error {
		if cfg.topics != nil && !cfg.topics[topic.Name] {
			return nil
		}

		tok := bearerToken(sc.Peer.Header.Get("Authorization"))
		if tok == "" && cfg.payloadField != "" {
			tok = payloadToken(sc.Payload, cfg.payloadField)
		}
		if tok == "" {
			return fmt.Errorf("%w: no bearer token", ErrUnauthorized)
		}

		ui, err := a.CheckAuthentication(ctx, tok)
		if err != nil {
			return err
		}
		sc.Set(userKey{}, ui)
		return nil
	}
}

// UserFrom returns the user attached by PreSub.
func UserFrom(sc *server.SubContext) (UserInfo, bool) {
	ui, ok := sc.Value(userKey{}).(UserInfo)
	return ui, ok
}

// RequireMethod wraps m so that requests must carry a valid bearer token in
// the connection's Authorization header. The user is available to the
// wrapped handler through UserFromContext.
func RequireMethod(a Authenticator, m server.MethodConfig) server.MethodConfig {
	next := m.Handler
	m.Handler = func(ctx context.Context, rc *server.RequestContext) (any, error) {
		tok := bearerToken(rc.Peer.Header.Get("Authorization"))
		if tok == "" {
			return nil, fmt.Errorf("%w: no bearer token", ErrUnauthorized)
		}
		ui, err := a.CheckAuthentication(ctx, tok)
		if err != nil {
			return nil, err
		}
		return next(context.WithValue(ctx, userKey{}, ui), rc)
	}
	return m
}

// UserFromContext returns the user attached by RequireMethod.
func UserFromContext(ctx context.Context) (UserInfo, bool) {
	ui, ok := ctx.Value(userKey{}).(UserInfo)
	return ui, ok
}

func bearerToken(h string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func payloadToken(raw json.RawMessage, field string) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	var tok string
	if err := json.Unmarshal(m[field], &tok); err != nil {
		return ""
	}
	return tok
}
