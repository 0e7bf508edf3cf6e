package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ggoodman/cana-go/broker/redisbroker"
	"github.com/joeshaw/envdecode"
)

// Config is the daemon configuration. Environment variables are read first;
// a TOML file given with -config overrides any key it sets.
type Config struct {
	Addr     string `env:"CANA_ADDR,default=:8080" toml:"addr"`
	Path     string `env:"CANA_PATH,default=/cana" toml:"path"`
	LogLevel string `env:"CANA_LOG_LEVEL,default=info" toml:"log_level"`

	// Origins is a comma separated list of cross-origin hosts to accept.
	Origins string `env:"CANA_ORIGINS" toml:"origins"`

	TickInterval time.Duration `env:"CANA_TICK_INTERVAL,default=1s" toml:"tick_interval"`
	WatchDir     string        `env:"CANA_WATCH_DIR" toml:"watch_dir"`

	RedisAddr      string `env:"REDIS_ADDR" toml:"redis_addr"`
	RedisKeyPrefix string `env:"CANA_BROKER_KEY_PREFIX,default=cana:broker:" toml:"redis_key_prefix"`
	// RedisMaxLen caps each stream approximately. Zero keeps everything.
	RedisMaxLen int64 `env:"CANA_BROKER_MAX_LEN,default=10000" toml:"redis_max_len"`

	JWTSecret  string `env:"CANA_JWT_SECRET" toml:"jwt_secret"`
	JWTIssuer  string `env:"CANA_JWT_ISSUER" toml:"jwt_issuer"`
	OIDCIssuer string `env:"CANA_OIDC_ISSUER" toml:"oidc_issuer"`
	Audience   string `env:"CANA_AUDIENCE" toml:"audience"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config env decode failed: %w", err)
	}
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("tick_interval must be positive, got %s", cfg.TickInterval)
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(b), out); err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return nil
}

func (c Config) logLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (c Config) redisConfig() redisbroker.Config {
	return redisbroker.Config{
		Addr:      c.RedisAddr,
		KeyPrefix: c.RedisKeyPrefix,
		MaxLen:    c.RedisMaxLen,
	}
}

func (c Config) originPatterns() []string {
	var out []string
	for _, o := range strings.Split(c.Origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
