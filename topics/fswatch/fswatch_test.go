package fswatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/cana-go/server"
)

func TestWatcher_EmitsRelativeEvents(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	w, err := New(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- w.Topic().Handler(ctx, &server.SubContext{}, func(ctx context.Context, v any) error {
			events <- v.(Event)
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		select {
		case ev := <-events:
			if ev.Path == "sub/a.txt" && strings.Contains(ev.Op, "create") {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("handler: %v", err)
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("no create event for sub/a.txt")
		}
	}
}

func TestWatcher_RejectsEscapes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	w, err := New(root, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for _, p := range []string{"..", "../..", "/etc"} {
		payload, _ := json.Marshal(Payload{Path: p})
		err := w.Topic().Handler(context.Background(), &server.SubContext{Payload: payload}, func(context.Context, any) error { return nil })
		if !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("%q: expected ErrOutsideRoot, got %v", p, err)
		}
	}
}

func TestNew_RequiresDirectory(t *testing.T) {
	t.Parallel()

	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(f, nil); err == nil {
		t.Fatal("expected error for a file root")
	}
	if _, err := New(filepath.Join(f, "missing"), nil); err == nil {
		t.Fatal("expected error for a missing root")
	}
}
