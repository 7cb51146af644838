package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"campus-assistant/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// Extensions are the file types the loader understands.
var Extensions = []string{".pdf", ".xlsx", ".txt", ".md"}

// Supported reports whether the loader can read path.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Watcher reports files dropped into an inbox directory once writes to them
// have been quiet for the debounce period.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	debounce time.Duration
	onFile   func(ctx context.Context, path string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewWatcher(dir string, debounce time.Duration, onFile func(ctx context.Context, path string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:  w,
		dir:      dir,
		debounce: debounce,
		onFile:   onFile,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run blocks until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	logger.Info("Watching inbox directory", "dir", w.dir)
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !Supported(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Inbox watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.onFile(ctx, path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
