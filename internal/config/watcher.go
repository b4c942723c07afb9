package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes a reloaded or removed configuration file
type ChangeEvent struct {
	File      string
	Action    string // initial_load, create, modify, delete, manual_reload, polling_detected
	Raw       []byte
	Config    map[string]interface{}
	Timestamp time.Time
}

// ChangeHandler is called when a watched file changes
type ChangeHandler func(event ChangeEvent) error

// Watcher watches a directory of YAML/JSON files and hands parsed contents
// to registered handlers. Handlers run on the watcher goroutine, one file at
// a time, so they must not block for long.
type Watcher struct {
	dir        string
	handlers   map[string][]ChangeHandler
	validators map[string]func(map[string]interface{}) error
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	done       chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
	eventMu    sync.Mutex

	pollInterval time.Duration
	debounce     time.Duration
}

// NewWatcher creates the directory when missing
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		dir:        dir,
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		watcher:    fw,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
		debounce:   50 * time.Millisecond,
	}, nil
}

// Dir returns the watched directory
func (w *Watcher) Dir() string { return w.dir }

// RegisterHandler registers a handler for a file name relative to the directory
func (w *Watcher) RegisterHandler(filename string, handler ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[filename] = append(w.handlers[filename], handler)
	w.logger.Debug("Configuration handler registered",
		zap.String("filename", filename),
		zap.Int("total_handlers", len(w.handlers[filename])),
	)
}

// RegisterValidator rejects reloads whose parsed content fails fn; the
// previous handler state stays in effect.
func (w *Watcher) RegisterValidator(filename string, fn func(map[string]interface{}) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validators[filename] = fn
}

// EnablePolling adds an mtime poll for filesystems where inotify is unreliable
func (w *Watcher) EnablePolling(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollInterval = interval
}

// Start loads every file once and then follows changes until Stop or ctx ends
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := w.loadAll("initial_load"); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	w.mu.Lock()
	w.started = true
	poll := w.pollInterval
	w.mu.Unlock()

	go w.watchLoop(ctx, poll)

	w.logger.Info("Configuration watcher started",
		zap.String("config_dir", w.dir),
		zap.Duration("poll_interval", poll),
	)
	return nil
}

// Stop ends the watch loop and waits for it to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.done
	w.logger.Info("Configuration watcher stopped")
	return err
}

// Reload re-reads a single file and notifies its handlers
func (w *Watcher) Reload(filename string) error {
	return w.loadFile(filepath.Join(w.dir, filename), "manual_reload")
}

func (w *Watcher) watchLoop(ctx context.Context, poll time.Duration) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	var tick <-chan time.Time
	if poll > 0 {
		t := time.NewTicker(poll)
		defer t.Stop()
		tick = t.C
	}
	modTimes := make(map[string]time.Time)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		case <-tick:
			w.pollChanges(modTimes)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !isConfigFile(ev.Name) {
		return
	}
	w.eventMu.Lock()
	defer w.eventMu.Unlock()

	var action string
	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		action = "create"
	case ev.Op&fsnotify.Write == fsnotify.Write:
		action = "modify"
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		action = "delete"
	default:
		return
	}

	if action == "delete" {
		w.notify(ChangeEvent{File: filepath.Base(ev.Name), Action: action, Timestamp: time.Now()})
		return
	}

	// editors often write in several steps
	time.Sleep(w.debounce)
	if err := w.loadFile(ev.Name, action); err != nil {
		w.logger.Error("Failed to load config file",
			zap.String("file", filepath.Base(ev.Name)),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (w *Watcher) pollChanges(modTimes map[string]time.Time) {
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		name := filepath.Base(path)
		if info.ModTime().After(modTimes[name]) {
			modTimes[name] = info.ModTime()
			return w.loadFile(path, "polling_detected")
		}
		return nil
	})
	if err != nil {
		w.logger.Error("Error during polling check", zap.Error(err))
	}
}

func (w *Watcher) loadAll(action string) error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isConfigFile(path) {
			return nil
		}
		return w.loadFile(path, action)
	})
}

func (w *Watcher) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	filename := filepath.Base(path)

	parsed := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		err = json.Unmarshal(data, &parsed)
	default:
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", filename, err)
	}

	w.mu.RLock()
	validate := w.validators[filename]
	w.mu.RUnlock()
	if validate != nil {
		if err := validate(parsed); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", filename, err)
		}
	}

	w.notify(ChangeEvent{
		File:      filename,
		Action:    action,
		Raw:       data,
		Config:    parsed,
		Timestamp: time.Now(),
	})
	w.logger.Info("Configuration loaded",
		zap.String("filename", filename),
		zap.String("action", action),
		zap.Int("keys", len(parsed)),
	)
	return nil
}

func (w *Watcher) notify(ev ChangeEvent) {
	w.mu.RLock()
	handlers := append([]ChangeHandler(nil), w.handlers[ev.File]...)
	w.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ev); err != nil {
			w.logger.Error("Configuration handler error",
				zap.String("filename", ev.File),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
