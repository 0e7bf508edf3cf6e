// Command canactl talks to a cana endpoint from the shell.
//
//	canactl request <cmd> [json]
//	canactl subscribe [-n count] <topic> [json]
//
// The endpoint and credentials come from CANA_URL, CANA_TOKEN and
// CANA_RETRY_DELAY.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/cana-go/client"
)

func main() {
	verbose := flag.Bool("v", false, "log connection state to stderr")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args(), *timeout, log, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "canactl:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  canactl [-v] [-timeout d] request <cmd> [json]\n  canactl [-v] subscribe [-n count] <topic> [json]\n")
}

func run(ctx context.Context, args []string, timeout time.Duration, log *slog.Logger, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := client.ConfigFromEnv()
	if err != nil {
		return err
	}
	sess := cfg.Dial(ctx, client.WithLogger(log))
	defer sess.Close()

	switch args[0] {
	case "request":
		return request(ctx, sess, args[1:], timeout, out)
	case "subscribe":
		return subscribe(ctx, sess, args[1:], out)
	default:
		return errUsage
	}
}

func request(ctx context.Context, sess *client.Session, args []string, timeout time.Duration, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := sess.Request(ctx, args[0], payload)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func subscribe(ctx context.Context, sess *client.Session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	count := fs.Int("n", 0, "exit after this many values")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	args = fs.Args()
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}

	sub, err := sess.Subscribe(ctx, args[0], payload)
	if err != nil {
		return err
	}
	defer sub.Close()

	for n := 0; *count == 0 || n < *count; n++ {
		var v json.RawMessage
		if err := sub.Next(ctx, &v); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := printJSON(out, v); err != nil {
			return err
		}
	}
	return nil
}

func parsePayload(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", args[0])
	}
	return raw, nil
}

func printJSON(w io.Writer, v json.RawMessage) error {
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	_, err := fmt.Fprintf(w, "%s\n", v)
	return err
}
