package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/plan-lint/pkg/loader"
)

const defaultDebounce = 100 * time.Millisecond

// ReloadFunc observes every reload attempt. doc is nil when err is set.
type ReloadFunc func(doc *loader.PolicyDocument, err error)

// PolicyWatcher keeps the latest valid policy loaded from a file. When a
// reload fails the previous policy stays in effect.
type PolicyWatcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current *loader.PolicyDocument
	onLoad  []ReloadFunc

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPolicyWatcher loads path and starts watching its directory. The
// initial load must succeed.
func NewPolicyWatcher(path string, logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	doc, err := loader.LoadPolicy(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &PolicyWatcher{
		path:     absPath,
		logger:   logger,
		debounce: defaultDebounce,
		current:  doc,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Current returns the policy in effect.
func (w *PolicyWatcher) Current() *loader.PolicyDocument {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn for subsequent reload attempts.
func (w *PolicyWatcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLoad = append(w.onLoad, fn)
}

// Reload re-reads the file now.
func (w *PolicyWatcher) Reload() error {
	doc, err := loader.LoadPolicy(w.path)

	w.mu.Lock()
	if err == nil {
		w.current = doc
	}
	callbacks := make([]ReloadFunc, len(w.onLoad))
	copy(callbacks, w.onLoad)
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("Policy reload failed; keeping previous policy", "path", w.path, "error", err)
	} else {
		w.logger.Info("Policy reloaded", "path", w.path, "rego", doc.IsRego())
	}
	for _, fn := range callbacks {
		fn(doc, err)
	}
	return err
}

// Close stops the watcher and cleans up resources.
func (w *PolicyWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					_ = w.Reload()
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Policy watcher error", "error", err)
		}
	}
}
