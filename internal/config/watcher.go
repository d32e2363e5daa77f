package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives a freshly loaded and validated config.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it changes on disk.
// Bursts of writes within the debounce window trigger one reload; a file that
// fails to load or validate is logged and the previous config stays active.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeHandler
	timer    *time.Timer
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     filepath.Clean(ExpandPath(path)),
		watcher:  w,
		logger:   logger,
		debounce: 300 * time.Millisecond,
	}, nil
}

// OnChange registers a handler called after every successful reload.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Start watches the directory holding the config file, so editors that save
// through a rename are still seen.
func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("watch %s: %w", cw.path, err)
	}
	cw.stop = make(chan struct{})
	cw.done = make(chan struct{})
	go cw.watchLoop()

	cw.logger.Info("config watcher started", "path", cw.path)
	return nil
}

// Stop halts the watcher and waits for the loop to exit.
func (cw *Watcher) Stop() {
	if cw.stop != nil {
		close(cw.stop)
		<-cw.done
		cw.stop = nil
	}
	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	cw.watcher.Close()
	cw.logger.Info("config watcher stopped")
}

func (cw *Watcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case <-cw.stop:
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cw.schedule()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("config watcher error", "error", err)
		}
	}
}

func (cw *Watcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Error("config reload failed, keeping previous config", "path", cw.path, "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	cw.logger.Info("config reloaded", "path", cw.path, "accounts", len(cfg.Accounts))
}
