// Command canad serves a cana endpoint over websocket.
//
// Configuration comes from the environment (see Config) with an optional
// TOML overlay:
//
//	canad -config /etc/canad.toml
//
// With -stdio a single client is served over stdin and stdout, one JSON
// frame per line, and no HTTP listener is started.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/cana-go/auth"
	"github.com/ggoodman/cana-go/broker"
	"github.com/ggoodman/cana-go/broker/memorybroker"
	"github.com/ggoodman/cana-go/broker/redisbroker"
	"github.com/ggoodman/cana-go/server"
	"github.com/ggoodman/cana-go/topics/fswatch"
	"github.com/ggoodman/cana-go/transport"
	"github.com/ggoodman/cana-go/transport/stdiotransport"
	"github.com/ggoodman/cana-go/transport/wstransport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	useStdio := flag.Bool("stdio", false, "serve one client over stdin/stdout")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.LevelVar
	l, err := cfg.logLevel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level.Set(l)
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *useStdio, log); err != nil {
		log.Error("canad.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, useStdio bool, log *slog.Logger) error {
	reg, closeBroker, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBroker()

	srv := server.New(reg,
		server.WithLogger(log),
		server.WithPath(cfg.Path),
		server.WithAcceptOptions(wstransport.AcceptOptions{OriginPatterns: cfg.originPatterns()}),
	)

	if useStdio {
		return serveStdio(ctx, srv, stdiotransport.Stdio(), log)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("canad.listen", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("canad.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Upgraded connections are hijacked, so http.Server.Shutdown does not
	// wait for them.
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("canad.shutdown.conns", slog.String("err", err.Error()))
	}
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func serveStdio(ctx context.Context, srv *server.Server, conn transport.Conn, log *slog.Logger) error {
	peer := server.Peer{ConnID: "stdio", RemoteAddr: stdiotransport.LocalUser()}
	log.Info("canad.stdio", slog.String("user", peer.RemoteAddr))
	err := srv.ServeConn(ctx, conn, peer)
	if errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}

func buildRegistry(ctx context.Context, cfg Config, log *slog.Logger) (*server.Registry, func(), error) {
	b, closeBroker, err := newBroker(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}

	reg := server.NewRegistry()
	reg.Method("echo", echoMethod())
	reg.Method("describe", server.DescribeMethod(reg))
	reg.Topic("ticker", tickerTopic(cfg.TickInterval))
	reg.Topic("events", broker.Topic(b))

	protected := []string{"events"}
	if cfg.WatchDir != "" {
		w, err := fswatch.New(cfg.WatchDir, log)
		if err != nil {
			closeBroker()
			return nil, nil, err
		}
		reg.Topic("files", w.Topic())
		protected = append(protected, "files")
	}

	publish := broker.PublishMethod(b)

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		closeBroker()
		return nil, nil, err
	}
	if authn != nil {
		reg.MustExt(server.ExtPreSub, auth.PreSub(authn, auth.WithPayloadToken("token"), auth.ForTopics(protected...)))
		publish = auth.RequireMethod(authn, publish)
		log.Info("canad.auth.enabled", slog.Any("topics", protected))
	}
	reg.Method("publish", publish)

	return reg, closeBroker, nil
}

func newBroker(ctx context.Context, cfg Config, log *slog.Logger) (broker.Broker, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("canad.broker", slog.String("kind", "memory"))
		return memorybroker.New(), func() {}, nil
	}

	b := redisbroker.New(cfg.redisConfig())
	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	log.Info("canad.broker", slog.String("kind", "redis"), slog.String("addr", cfg.RedisAddr))
	return b, func() { _ = b.Close() }, nil
}

func newAuthenticator(ctx context.Context, cfg Config) (auth.Authenticator, error) {
	var opts []auth.Option
	if cfg.Audience != "" {
		opts = append(opts, auth.WithAudiences(cfg.Audience))
	}
	switch {
	case cfg.JWTSecret != "":
		return auth.NewHMAC([]byte(cfg.JWTSecret), cfg.JWTIssuer, opts...)
	case cfg.OIDCIssuer != "":
		return auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, opts...)
	default:
		return nil, nil
	}
}
