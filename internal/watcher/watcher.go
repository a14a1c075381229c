// Package watcher reports debounced file changes in a set of directories.
package watcher

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Op is the kind of change seen for a path.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpRename Op = "rename"
)

// FileEvent is the last change seen for a path within one batch.
type FileEvent struct {
	Path      string    `json:"path"`
	Op        Op        `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileEventHandler receives a batch of events. Batches are delivered one at
// a time from the watcher goroutine, sorted by path.
type FileEventHandler func(events []FileEvent)

// Config holds watcher configuration.
type Config struct {
	// DebounceDelay is how long the watcher waits after the last event
	// before delivering the batch.
	DebounceDelay time.Duration

	// MaxBatchSize forces delivery once this many paths are pending.
	MaxBatchSize int

	// Filter selects the base names worth reporting. Nil reports everything.
	Filter func(name string) bool
}

// DefaultConfig returns default watcher configuration.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 500 * time.Millisecond,
		MaxBatchSize:  100,
	}
}

// Watcher monitors directories for file changes. Subdirectories are not
// watched.
type Watcher struct {
	fs      *fsnotify.Watcher
	config  Config
	logger  zerolog.Logger
	handler FileEventHandler

	mu    sync.RWMutex
	paths map[string]bool

	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New creates a watcher. Call SetHandler and AddPath before Start.
func New(config Config, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if config.DebounceDelay <= 0 {
		config.DebounceDelay = DefaultConfig().DebounceDelay
	}

	return &Watcher{
		fs:     fsw,
		config: config,
		logger: logger.With().Str("component", "watcher").Logger(),
		paths:  make(map[string]bool),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// SetHandler sets the batch handler.
func (w *Watcher) SetHandler(handler FileEventHandler) {
	w.handler = handler
}

// AddPath starts watching a directory. Adding a watched path again is a
// no-op.
func (w *Watcher) AddPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.paths[abs] {
		return nil
	}
	if err := w.fs.Add(abs); err != nil {
		return err
	}
	w.paths[abs] = true

	w.logger.Info().Str("path", abs).Msg("Watching directory")
	return nil
}

// WatchedPaths returns the watched directories, sorted.
func (w *Watcher) WatchedPaths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Start begins delivering events.
func (w *Watcher) Start() {
	w.started = true
	go w.loop()
}

// Stop delivers any pending batch, stops the watcher and releases the
// underlying notify handles.
func (w *Watcher) Stop() error {
	if w.started {
		close(w.stop)
		<-w.done
	}
	return w.fs.Close()
}

func (w *Watcher) loop() {
	defer close(w.done)

	pending := make(map[string]FileEvent)
	timer := time.NewTimer(w.config.DebounceDelay)
	timer.Stop()

	flush := func() {
		timer.Stop()
		if len(pending) == 0 {
			return
		}
		batch := make([]FileEvent, 0, len(pending))
		for _, ev := range pending {
			batch = append(batch, ev)
		}
		clear(pending)
		sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })

		w.logger.Debug().Int("count", len(batch)).Msg("Delivering file events")
		if w.handler != nil {
			w.handler(batch)
		}
	}

	for {
		select {
		case <-w.stop:
			flush()
			return

		case <-timer.C:
			flush()

		case ev, ok := <-w.fs.Events:
			if !ok {
				flush()
				return
			}
			fe, keep := w.convert(ev)
			if !keep {
				continue
			}
			pending[fe.Path] = fe
			if len(pending) >= w.config.MaxBatchSize {
				flush()
				continue
			}
			timer.Reset(w.config.DebounceDelay)

		case err, ok := <-w.fs.Errors:
			if !ok {
				flush()
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn().Msg("File events dropped by the kernel")
				continue
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// convert maps an fsnotify event, reporting false for filtered names and
// chmod-only changes.
func (w *Watcher) convert(ev fsnotify.Event) (FileEvent, bool) {
	if w.config.Filter != nil && !w.config.Filter(filepath.Base(ev.Name)) {
		return FileEvent{}, false
	}

	var op Op
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Write):
		op = OpWrite
	case ev.Has(fsnotify.Remove):
		op = OpRemove
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return FileEvent{}, false
	}
	return FileEvent{Path: ev.Name, Op: op, Timestamp: time.Now()}, true
}
