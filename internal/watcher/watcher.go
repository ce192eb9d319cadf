package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kkpan11/ipyflow/internal/ctxlog"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reports settled change bursts for a single file. Editors save with
// write/rename combinations, so the parent directory is watched and events
// are filtered by path.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()

	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New builds a watcher for path. onChange runs on the watcher goroutine once
// per settled burst of events. A non-positive debounce uses the default.
func New(path string, debounce time.Duration, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching on its own goroutine. The context carries the logger
// and stops the watcher when cancelled. Subsequent calls are no-ops.
func (w *Watcher) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx).With("component", "watcher", "path", w.path)
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("Notebook file changed.", "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("Watcher reported an error.", "error", err)
		case <-timerC:
			timerC = nil
			w.onChange()
		case <-w.stop:
			return
		case <-ctx.Done():
			logger.Debug("Watcher context cancelled.")
			return
		}
	}
}

// Close stops watching and waits for the goroutine to finish. Idempotent.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
	return w.fsw.Close()
}
