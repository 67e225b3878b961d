package playbook

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader fills a store from builtin seeds plus a directory of YAML
// playbooks, and keeps it current as files change on disk. A broken
// file is skipped with a warning; it never takes down the loaded set.
type Loader struct {
	store *Store
	dir   string

	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	debounce  time.Duration
	logger    *slog.Logger
}

// NewLoader builds a loader over a store. dir may be empty, in which
// case only builtin seeds are loaded.
func NewLoader(store *Store, dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:    store,
		dir:      dir,
		debounce: 200 * time.Millisecond,
		logger:   logger.With("component", "playbook.Loader"),
	}
}

// Load seeds the builtins and then overlays every YAML file in the
// directory; a file with the same playbook_id as a seed replaces it.
// Returns how many playbooks were loaded.
func (l *Loader) Load() (int, error) {
	loaded := 0
	for _, p := range Builtins() {
		if err := l.store.Upsert(p); err != nil {
			return loaded, fmt.Errorf("seed %s: %w", p.PlaybookID, err)
		}
		loaded++
	}
	if l.dir == "" {
		return loaded, nil
	}

	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return loaded, nil
	}
	if err != nil {
		return loaded, fmt.Errorf("read playbooks dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			l.logger.Warn("skipping playbook file", "path", path, "error", err)
			continue
		}
		loaded++
	}
	l.logger.Info("playbooks loaded", "count", l.store.Len(), "dir", l.dir)
	return loaded, nil
}

func (l *Loader) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p FixPlaybook
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return l.store.Upsert(p)
}

// Watch reloads files from the directory as they are created or
// written. Events are debounced since editors emit several per save.
func (l *Loader) Watch() error {
	if l.dir == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(l.dir); err != nil {
		fsw.Close()
		return err
	}

	l.mu.Lock()
	l.fsWatcher = fsw
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.loop()
	return nil
}

// Close stops the directory watcher. Safe to call when Watch was never
// started.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fsWatcher == nil {
		return nil
	}
	close(l.done)
	err := l.fsWatcher.Close()
	l.fsWatcher = nil
	return err
}

func (l *Loader) loop() {
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-l.done:
			return

		case event, ok := <-l.fsWatcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			path := event.Name
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(l.debounce, func() {
				if err := l.loadFile(path); err != nil {
					l.logger.Warn("playbook reload failed, keeping previous", "path", path, "error", err)
					return
				}
				l.logger.Info("playbook reloaded", "path", path)
			})

		case err, ok := <-l.fsWatcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
