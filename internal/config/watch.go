// Package config loads syncbox configuration from a TOML file.
package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/syncbox/internal/logging"
)

// Watcher reloads the config file on change and notifies subscribers.
// Editor save patterns (write+rename, multiple writes) are debounced so a
// single edit produces a single reload.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(Config)

	mu          sync.Mutex
	lastEventAt time.Time
	dirty       bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const reloadDebounce = 500 * time.Millisecond

// NewWatcher watches path and invokes onReload with the freshly parsed
// config after each settled change. Parse failures keep the previous
// config and are logged, never fatal.
func NewWatcher(path string, onReload func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}

	w.wg.Add(2)
	go w.watchEvents()
	go w.reloadLoop()

	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if event.Name != w.path {
				continue
			}

			w.mu.Lock()
			w.dirty = true
			w.lastEventAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) reloadLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(reloadDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			settled := w.dirty && time.Since(w.lastEventAt) >= reloadDebounce
			if settled {
				w.dirty = false
			}
			w.mu.Unlock()

			if !settled {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				logging.Error("Config reload failed, keeping previous config", err,
					map[string]interface{}{"path": w.path})
				continue
			}

			logging.Info("Config reloaded", map[string]interface{}{"path": w.path})
			w.onReload(cfg)
		}
	}
}
