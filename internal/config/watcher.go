package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config when its file changes on disk. Editors
// often emit several events per save, so reloads are debounced.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	loader    *Loader
	callbacks []func(*Config)
	mu        sync.Mutex // protects callbacks slice
	done      chan struct{}
	debounce  time.Duration
	logger    *slog.Logger
}

// NewWatcher creates a watcher for the loader's file. The loader must
// have loaded a file already.
func NewWatcher(loader *Loader, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsWatcher: fsw,
		loader:    loader,
		done:      make(chan struct{}),
		debounce:  200 * time.Millisecond,
		logger:    logger.With("component", "config.Watcher"),
	}

	// Watch the directory rather than the file: some editors replace
	// the file on save, which drops a direct file watch.
	dir := filepath.Dir(loader.FilePath())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// OnReload registers a callback invoked with the new config after every
// successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	target := w.loader.FilePath()

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if err := w.loader.Reload(); err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.loader.FilePath())

	cfg := w.loader.Get()
	w.mu.Lock()
	cbs := make([]func(*Config), len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, fn := range cbs {
		fn(cfg)
	}
}
