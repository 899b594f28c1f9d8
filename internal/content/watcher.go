package content

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long changes accumulate before OnChange fires.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports edited topic files so cached copies can be dropped.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func(topicID string)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}

	started bool
	done    chan struct{}
}

// NewWatcher watches dir and calls onChange once per changed topic per
// debounce window.
func NewWatcher(dir string, debounce time.Duration, onChange func(topicID string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		watcher:  fsw,
		logger:   logger,
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start processes events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.started = true
	go w.run(ctx)
	w.logger.Info("Content watcher started", "dir", w.dir, "debounce", w.debounce)
}

// Stop closes the underlying watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Content watcher shutting down")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Content watcher error", "error", err)

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	id := TopicIDFromPath(event.Name)
	if id == "" {
		return
	}

	w.pendingMu.Lock()
	w.pending[id] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("Topic file change detected", "topic_id", id, "op", event.Op.String())
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for _, id := range ids {
		w.logger.Info("Topic content changed", "topic_id", id)
		if w.onChange != nil {
			w.onChange(id)
		}
	}
}
