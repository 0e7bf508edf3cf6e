// Package fswatch provides a topic that streams filesystem changes under a
// directory, backed by github.com/fsnotify/fsnotify.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/cana-go/server"
)

// ErrOutsideRoot is returned for a payload path that escapes the root.
var ErrOutsideRoot = errors.New("path is outside the watched root")

// Payload selects what a subscription watches.
type Payload struct {
	// Path is a directory relative to the root. Empty means the root itself.
	Path string `json:"path,omitempty"`
}

// Event is one emitted change.
type Event struct {
	// Op is the lower-cased fsnotify operation, e.g. "create" or "write".
	Op string `json:"op"`
	// Path is slash-separated and relative to the root.
	Path string `json:"path"`
}

// Watcher serves the changes below one root directory.
type Watcher struct {
	root string
	log  *slog.Logger
}

// New returns a Watcher for root. Symlinks in root are resolved once; paths
// requested by subscribers may not leave the resolved root, even through
// symlinks.
func New(root string, log *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	st, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", real)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Watcher{root: real, log: log}, nil
}

// Topic returns the topic configuration for w.
func (w *Watcher) Topic() server.TopicConfig {
	return server.TopicConfig{
		Description: "Stream file changes below a directory of the server.",
		Handler:     w.handle,
	}
}

func (w *Watcher) handle(ctx context.Context, sc *server.SubContext, emit server.EmitFunc) error {
	var p Payload
	if err := sc.Bind(&p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	dir, err := w.resolve(p.Path)
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify unavailable: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = fw.Close()
	}()

	// Recursively add all directories under dir.
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return fw.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// Maintain watches on newly created directories.
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			rel, err := filepath.Rel(w.root, ev.Name)
			if err != nil {
				continue
			}
			if err := emit(ctx, Event{Op: strings.ToLower(ev.Op.String()), Path: filepath.ToSlash(rel)}); err != nil {
				return err
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.DebugContext(ctx, "fswatch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) resolve(rel string) (string, error) {
	if rel == "" {
		return w.root, nil
	}
	if filepath.IsAbs(rel) {
		return "", ErrOutsideRoot
	}
	real, err := filepath.EvalSymlinks(filepath.Join(w.root, filepath.FromSlash(rel)))
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", rel, err)
	}
	if !within(real, w.root) {
		return "", ErrOutsideRoot
	}
	return real, nil
}

func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
