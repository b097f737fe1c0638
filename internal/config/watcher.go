package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 200 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration after the config
// file changes on disk. Implementations must be safe for concurrent use.
type ReloadFunc func(*Config)

// Watcher monitors the configuration file for changes and reloads it.
// Editors typically replace files on save, so the containing directory is
// watched rather than the file itself.
//
// A change that fails to load or validate is logged and dropped; the
// previously delivered configuration stays in effect.
type Watcher struct {
	// path is the absolute config file path being watched.
	path string

	// watcher is the underlying fsnotify watcher.
	watcher *fsnotify.Watcher

	// onReload receives each successfully reloaded configuration.
	onReload ReloadFunc

	// logger for diagnostics.
	logger *slog.Logger

	// debounceDelay is the delay before reloading after a change.
	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		path:          absPath,
		watcher:       fsw,
		onReload:      onReload,
		logger:        logger,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins the event processing loop.
// This should be called once after creating the watcher.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and releases resources.
// After Close returns, no more reloads will be delivered.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped // Wait for event loop to exit

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	return err
}

// Path returns the absolute path of the watched config file.
func (w *Watcher) Path() string {
	return w.path
}

// eventLoop processes fsnotify events and debounces reloads.
func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	// The whole directory is watched; only the config file matters.
	if filepath.Clean(event.Name) != w.path {
		return
	}

	relevant := event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Rename) ||
		event.Has(fsnotify.Remove)
	if !relevant {
		return
	}

	if w.logger != nil {
		w.logger.Debug("Config file changed",
			"path", w.path,
			"op", event.Op.String())
	}

	// Reset the debounce timer; rename-replace saves produce several
	// events in quick succession.
	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
	w.debounceMu.Unlock()
}

// reload loads the changed file and hands it to the reload callback.
func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("Config file changed but could not be reloaded",
				"path", w.path, "error", err)
		}
		return
	}

	// Environment and keychain keep their precedence on reload.
	applyEnvOverrides(cfg)
	loadKeychainToken(cfg)

	if err := cfg.Validate(); err != nil {
		if w.logger != nil {
			w.logger.Warn("Config file changed but failed validation",
				"path", w.path, "error", err)
		}
		return
	}

	if w.logger != nil {
		w.logger.Info("Configuration reloaded", "path", w.path)
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
