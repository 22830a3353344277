// Package watcher feeds filesystem changes into the event queue.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"smolclaw/internal/domain"
	"smolclaw/internal/queue"
)

const defaultDebounce = 3 * time.Second

// Editors and VCS churn that should never wake the agent.
var ignoredNames = []string{".git", "__pycache__", "node_modules"}
var ignoredSuffixes = []string{".pyc", ".swp", ".tmp", "~"}

// Watcher turns fsnotify events on configured paths into queue events.
// Rapid saves of the same file collapse into one event per debounce window.
type Watcher struct {
	Queue    *queue.Queue
	Paths    []string
	Debounce time.Duration
	Logger   *log.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

func (w *Watcher) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

func (w *Watcher) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Watcher) debounce() time.Duration {
	if w.Debounce > 0 {
		return w.Debounce
	}
	return defaultDebounce
}

// Ignored reports whether a path belongs to tooling churn rather than work.
func Ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		for _, name := range ignoredNames {
			if part == name {
				return true
			}
		}
	}
	base := filepath.Base(path)
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// shouldEmit applies the per-path debounce window.
func (w *Watcher) shouldEmit(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastSeen == nil {
		w.lastSeen = make(map[string]time.Time)
	}
	now := w.clock()
	if last, ok := w.lastSeen[path]; ok && now.Sub(last) < w.debounce() {
		return false
	}
	w.lastSeen[path] = now
	return true
}

// Run watches the configured paths until ctx is canceled. Directories are
// added recursively; directories created while running are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.Paths) == 0 {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fsw.Close()

	for _, path := range w.Paths {
		if err := addRecursive(fsw, path); err != nil {
			w.logger().Printf("watcher: watch %s failed: %v", path, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, evt)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger().Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, evt fsnotify.Event) {
	if Ignored(evt.Name) {
		return
	}
	var verb string
	switch {
	case evt.Op.Has(fsnotify.Create):
		verb = "created"
		if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
			if err := addRecursive(fsw, evt.Name); err != nil {
				w.logger().Printf("watcher: watch new dir %s failed: %v", evt.Name, err)
			}
			return
		}
	case evt.Op.Has(fsnotify.Write):
		verb = "modified"
	case evt.Op.Has(fsnotify.Remove), evt.Op.Has(fsnotify.Rename):
		verb = "removed"
	default:
		return
	}
	if !w.shouldEmit(evt.Name) {
		return
	}
	_ = w.Queue.Publish(domain.Event{
		Kind:       domain.EventFileChange,
		Payload:    fmt.Sprintf("%s %s", filepath.Base(evt.Name), verb),
		ReceivedAt: w.clock(),
	})
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if Ignored(path) && path != root {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
