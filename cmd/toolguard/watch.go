package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"toolguard/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// inputWatcher reports changes to a set of files and directories. Files are
// watched through their parent directory so editor rename-on-save is seen.
type inputWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string]bool // watched files, absolute
	dirs     map[string]bool // watched directories, absolute
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]bool
}

func newInputWatcher(paths []string, debounce time.Duration) (*inputWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &inputWatcher{
		watcher:  fw,
		files:    make(map[string]bool),
		dirs:     make(map[string]bool),
		debounce: debounce,
		pending:  make(map[string]bool),
	}
	added := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		targets := []string{filepath.Dir(abs)}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			// Fixtures may live one level down, in <dir>/<tool>/.
			targets = append([]string{abs}, subdirs(abs)...)
			for _, d := range targets {
				w.dirs[d] = true
			}
		} else {
			w.files[abs] = true
		}
		for _, target := range targets {
			if added[target] {
				continue
			}
			if err := fw.Add(target); err != nil {
				fw.Close()
				return nil, fmt.Errorf("watch %s: %w", target, err)
			}
			added[target] = true
			logging.Watch("watching %s", target)
		}
	}
	return w, nil
}

func subdirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

// relevant reports whether an event path belongs to a watched input.
func (w *inputWatcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	return w.dirs[filepath.Dir(name)] && filepath.Ext(name) == ".go"
}

// Run calls onChange with the changed paths once events settle. It returns
// when ctx ends or the watcher fails.
func (w *inputWatcher) Run(ctx context.Context, onChange func(changed []string)) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if !w.relevant(name) {
				continue
			}
			w.mu.Lock()
			w.pending[name] = true
			w.mu.Unlock()
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryWatch).Error("watcher error: %v", err)

		case <-timer.C:
			changed := w.drain()
			if len(changed) == 0 {
				continue
			}
			logging.Watch("inputs changed: %v", changed)
			onChange(changed)
		}
	}
}

func (w *inputWatcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	w.pending = make(map[string]bool)
	sort.Strings(out)
	return out
}

func (w *inputWatcher) Close() error {
	return w.watcher.Close()
}
