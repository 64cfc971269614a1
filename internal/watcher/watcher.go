// Package watcher reports changes to configuration files so a running
// client can be re-pointed without a restart.
package watcher

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is called with the watched path after its content changed.
type ChangeCallback func(path string)

// Watcher monitors individual files for content changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*fileWatcher // absolute path → watcher
	callback ChangeCallback
	debounce time.Duration
	logger   zerolog.Logger
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu       sync.Mutex
	lastHash []byte
}

// New creates a watcher. A zero debounce uses the default.
func New(debounce time.Duration, callback ChangeCallback, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = debounceInterval
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		callback: callback,
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}
}

// Watch starts watching path. The parent directory is watched so that
// editors replacing the file by rename are noticed.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.watchers[abs]; exists {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastHash:  fingerprint(abs),
	}
	w.watchers[abs] = fw

	go w.watchLoop(fw)

	w.logger.Debug().Str("path", abs).Msg("watching")
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.recheck(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("path", fw.path).Msg("watcher error")
		}
	}
}

// recheck notifies when the file content differs from the last seen one.
func (w *Watcher) recheck(fw *fileWatcher) {
	select {
	case <-fw.cancel:
		return
	default:
	}

	sum := fingerprint(fw.path)
	if sum == nil {
		// Mid-replace or deleted; a later event will bring it back.
		return
	}

	fw.mu.Lock()
	changed := !bytes.Equal(sum, fw.lastHash)
	if changed {
		fw.lastHash = sum
	}
	fw.mu.Unlock()

	if changed {
		w.logger.Info().Str("path", fw.path).Msg("file changed")
		if w.callback != nil {
			w.callback(fw.path)
		}
	}
}

// Count returns the number of watched files.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watchers)
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}

func fingerprint(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
