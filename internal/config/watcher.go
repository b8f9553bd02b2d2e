package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc re-reads whatever a watched path configures.
type ReloadFunc func() error

type watchTarget struct {
	name   string
	match  func(path string) bool
	reload ReloadFunc
	timer  *time.Timer
}

// Watcher hot-reloads rate limit files and policy directories. Bursts of
// events for the same target are coalesced into one reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	targets []*watchTarget
	dirs    map[string]bool
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		watcher:  fw,
		logger:   logger,
		debounce: 50 * time.Millisecond,
		dirs:     make(map[string]bool),
		stopCh:   make(chan struct{}),
	}, nil
}

// WatchFile calls reload whenever path is written, created or replaced.
// The parent directory is watched so editors that rename over the file
// are still seen.
func (w *Watcher) WatchFile(path string, reload ReloadFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return w.add(filepath.Dir(abs), &watchTarget{
		name:   abs,
		match:  func(p string) bool { return p == abs },
		reload: reload,
	})
}

// WatchDir calls reload whenever a file with the given extension in dir
// changes.
func (w *Watcher) WatchDir(dir, ext string, reload ReloadFunc) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	return w.add(abs, &watchTarget{
		name: abs,
		match: func(p string) bool {
			return filepath.Dir(p) == abs && strings.HasSuffix(p, ext)
		},
		reload: reload,
	})
}

func (w *Watcher) add(dir string, t *watchTarget) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.targets = append(w.targets, t)
	w.logger.Info("Watching for configuration changes", zap.String("target", t.name))
	return nil
}

func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.watchLoop()
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.started = false
	close(w.stopCh)
	for _, t := range w.targets {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleWatchEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleWatchEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	for _, t := range w.targets {
		if !t.match(name) {
			continue
		}
		w.logger.Debug("File system event",
			zap.String("file", filepath.Base(name)),
			zap.String("op", event.Op.String()),
		)
		if t.timer != nil {
			t.timer.Stop()
		}
		target := t
		t.timer = time.AfterFunc(w.debounce, func() { w.fire(target) })
	}
}

func (w *Watcher) fire(t *watchTarget) {
	if err := t.reload(); err != nil {
		w.logger.Error("Configuration reload failed",
			zap.String("target", t.name),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("Configuration reloaded", zap.String("target", t.name))
}
