package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce collapses editor write bursts into one reload.
const watchDebounce = 200 * time.Millisecond

// Watcher reloads settings.json and sources.yaml when they change on disk.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onChange func(name string)
	logger   zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// NewWatcher watches dir and calls onChange with the base name of a changed
// settings.json or sources.yaml after a short debounce.
func NewWatcher(dir string, onChange func(name string), logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		watcher:  fw,
		onChange: onChange,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
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
			name := filepath.Base(event.Name)
			if name != "settings.json" && name != "sources.yaml" {
				continue
			}
			w.schedule(name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[name]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.timers[name] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return
		}
		w.logger.Info().Str("file", name).Msg("Config file changed, reloading")
		w.onChange(name)
	})
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
