package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/model"
	"github.com/mmr-tortoise/portkeeper/internal/registry"
)

// Handler receives the registry rows after a change has settled.
type Handler func(ctx context.Context, rows []model.Allocation) error

// Stats counts watcher activity.
type Stats struct {
	Events  int
	Runs    int
	Errors  int
	LastRun time.Time
}

// Watcher calls a Handler whenever the registry file changes. Bursts of
// events are folded into one call once the file has been quiet for the
// debounce interval.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	store    *registry.Store
	path     string
	handler  Handler
	debounce time.Duration
	pending  time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	closed   sync.Once
	logger   *zap.Logger
	stats    Stats
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the registry must be quiet before the
// handler runs.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a watcher for store's registry file.
func New(store *registry.Store, handler Handler, opts ...Option) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("watch: nil handler")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		store:    store,
		path:     filepath.Clean(store.Path()),
		handler:  handler,
		debounce: 300 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the registry's directory and runs the handler once for
// the current contents. It does not block.
//
// The directory is watched rather than the file because every write
// replaces the file by rename, which would drop a watch on the file
// itself.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	err := w.store.EnsureExists()
	if err == nil {
		if err = w.fsw.Add(dir); err != nil {
			err = fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching registry", zap.String("path", w.path))

	w.mu.Lock()
	w.pending = time.Now().Add(-w.debounce)
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop ends the watch, waits for an in-flight handler call and releases
// the underlying watcher. It is safe to call on a watcher that never
// started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	w.closed.Do(func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("failed to close file watcher", zap.Error(err))
		}
	})
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(max(w.debounce/4, time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-tick.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("registry event", zap.String("op", ev.Op.String()))

	w.mu.Lock()
	w.stats.Events++
	w.pending = time.Now()
	w.mu.Unlock()
}

// flush runs the handler once the last event is older than the debounce
// interval.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	rows, err := w.store.Read()
	if err == nil {
		err = w.handler(ctx, rows)
	}

	w.mu.Lock()
	w.stats.Runs++
	w.stats.LastRun = time.Now()
	if err != nil {
		w.stats.Errors++
	}
	w.mu.Unlock()

	if err != nil {
		// A corrupt or half-edited registry is reported and retried on the
		// next change.
		w.logger.Warn("registry change not applied", zap.Error(err))
	}
}
