package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/cana-go/server"
	"github.com/ggoodman/cana-go/transport/stdiotransport"
)

func TestLoadConfig_TomlOverridesEnv(t *testing.T) {
	t.Setenv("CANA_ADDR", ":9000")
	t.Setenv("CANA_LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "canad.toml")
	body := `
path = "/ws"
tick_interval = "250ms"
origins = "a.example, b.example"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("addr: got %q", cfg.Addr)
	}
	if cfg.Path != "/ws" {
		t.Errorf("path: got %q", cfg.Path)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Errorf("tick interval: got %s", cfg.TickInterval)
	}
	if got := cfg.originPatterns(); len(got) != 2 || got[0] != "a.example" || got[1] != "b.example" {
		t.Errorf("origins: got %v", got)
	}
	if l, err := cfg.logLevel(); err != nil || l != slog.LevelDebug {
		t.Errorf("log level: got %v, %v", l, err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte(`tick_interval = "-1s"`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected error for a negative tick interval")
	}
}

func TestTickerTopic_StopsAfterCount(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []tick
	sc := &server.SubContext{Payload: json.RawMessage(`{"count":3}`)}
	err := tickerTopic(time.Millisecond).Handler(ctx, sc, func(ctx context.Context, v any) error {
		got = append(got, v.(tick))
		return nil
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 ticks, got %d", len(got))
	}
	for i, tk := range got {
		if tk.N != i {
			t.Fatalf("tick %d has n=%d", i, tk.N)
		}
	}
}

func TestBuildRegistry_Memory(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	cfg := Config{Path: "/cana", TickInterval: time.Second, WatchDir: t.TempDir()}
	reg, closeBroker, err := buildRegistry(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer closeBroker()

	d := reg.Describe()
	var topics, methods []string
	for _, tp := range d.Topics {
		topics = append(topics, tp.Name)
	}
	for _, m := range d.Methods {
		methods = append(methods, m.Name)
	}
	if want := []string{"events", "files", "ticker"}; !equal(topics, want) {
		t.Errorf("topics: got %v want %v", topics, want)
	}
	if want := []string{"describe", "echo", "publish"}; !equal(methods, want) {
		t.Errorf("methods: got %v want %v", methods, want)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestServeStdio_EchoUntilEOF(t *testing.T) {
	t.Parallel()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	reg := server.NewRegistry().Method("echo", echoMethod())
	srv := server.New(reg)
	log := slog.New(slog.DiscardHandler)

	done := make(chan error, 1)
	go func() {
		done <- serveStdio(context.Background(), srv, stdiotransport.New(inR, outW), log)
	}()

	if _, err := io.WriteString(inW, `{"type":"req","cmd":"echo","rid":"rid-1","payload":{"x":1}}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}

	line, err := bufio.NewReader(outR).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var reply struct {
		RID     string          `json:"rid"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatalf("decode %s: %v", line, err)
	}
	if reply.RID != "rid-1" || string(reply.Payload) != `{"x":1}` {
		t.Fatalf("unexpected reply %s", line)
	}

	_ = inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveStdio did not return after EOF")
	}
}

func TestLoadConfig_RedisMaxLen(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rc := cfg.redisConfig(); rc.MaxLen != 10000 || rc.Addr != "redis:6379" || rc.KeyPrefix != "cana:broker:" {
		t.Fatalf("unexpected redis config %+v", rc)
	}

	t.Setenv("CANA_BROKER_MAX_LEN", "500")
	cfg, err = loadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.redisConfig().MaxLen; got != 500 {
		t.Fatalf("env max len: got %d", got)
	}

	path := filepath.Join(t.TempDir(), "canad.toml")
	if err := os.WriteFile(path, []byte("redis_max_len = 42\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.redisConfig().MaxLen; got != 42 {
		t.Fatalf("toml max len: got %d", got)
	}
}
