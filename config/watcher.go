package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the configuration file and triggers callbacks with the
// freshly loaded config. Used to hot-reload the log level without a
// restart.
type Watcher struct {
	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	configPath string
	callbacks  []func(*Config)
	debounce   time.Duration
	running    bool
}

// NewWatcher creates a new configuration file watcher.
func NewWatcher(configPath string) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}
	fswatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher:    fswatcher,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
	}, nil
}

// OnChange registers a callback invoked after a successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Watch blocks until the context is cancelled, reloading on file changes.
// Reload failures keep the previous configuration.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", w.configPath, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire bursts of events; collapse them.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.reload()

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// reload re-parses the config file and notifies callbacks on success.
func (w *Watcher) reload() {
	cfg, err := Load(w.configPath, nil)
	if err != nil {
		return
	}
	w.mu.Lock()
	callbacks := append(([]func(*Config))(nil), w.callbacks...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops watching and releases resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
