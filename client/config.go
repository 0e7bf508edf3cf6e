package client

import (
	"context"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-driven configuration of a websocket session.
type Config struct {
	URL        string        `env:"CANA_URL,default=ws://localhost:8080/cana"`
	RetryDelay time.Duration `env:"CANA_RETRY_DELAY,default=1s"`
	Token      string        `env:"CANA_TOKEN"`
}

// ConfigFromEnv decodes a Config from the process environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode client config: %w", err)
	}
	return cfg, nil
}

// DialFromEnv opens a websocket session configured from the environment. A
// CANA_TOKEN is sent as a bearer token on every upgrade request. opts are
// applied after the environment settings.
func DialFromEnv(ctx context.Context, opts ...Option) (*Session, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return cfg.Dial(ctx, opts...), nil
}

// Dial opens a websocket session using cfg.
func (cfg Config) Dial(ctx context.Context, opts ...Option) *Session {
	base := []Option{WithRetryDelay(cfg.RetryDelay)}
	if cfg.Token != "" {
		base = append(base, WithBearerToken(cfg.Token))
	}
	return Dial(ctx, cfg.URL, append(base, opts...)...)
}
