// Package watcher notifies callers when a single file changes on disk.
package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce collapses the burst of events editors emit for a single save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls onChange after the watched file is written, created or replaced.
// The parent directory is watched so atomic rename-into-place saves are seen.
type Watcher struct {
	path     string
	onChange func()
	debounce time.Duration

	fs       *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	timer    *time.Timer
	started  bool
	stopOnce sync.Once
}

// New creates a watcher for path. Start must be called to begin watching.
func New(path string, onChange func()) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("watcher: empty path")
	}
	if onChange == nil {
		return nil, errors.New("watcher: nil callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		debounce: DefaultDebounce,
		fs:       fs,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce changes the quiet period before onChange fires. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching the file's directory.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and waits for the event loop to exit. Pending callbacks are dropped.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("File watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.onChange()
	})
}
