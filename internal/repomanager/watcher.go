package repomanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aerynos/moss/internal/systemmodel"
	"github.com/aerynos/moss/internal/tracelog"
)

// defaultDebounce coalesces the burst of writes a repo publisher makes
// while replacing its index into one refresh.
const defaultDebounce = 500 * time.Millisecond

// Watcher re-refreshes a locally mounted repository whenever its index
// stone changes on disk. Remote repositories are polled by RefreshAll, not
// watched; this serves development flows where a builder drops fresh
// index stones into a local directory.
type Watcher struct {
	manager  *Manager
	repo     systemmodel.Repository
	fswatch  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// Watch starts watching the directory backing repo's URI. Cancel ctx to
// stop; refresh failures are logged, not surfaced, since the next change
// retries anyway.
func (m *Manager) Watch(ctx context.Context, repo systemmodel.Repository, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("repomanager: watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("repomanager: watch %s: %w", dir, err)
	}

	w := &Watcher{
		manager:  m,
		repo:     repo,
		fswatch:  fsw,
		debounce: defaultDebounce,
	}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.fswatch.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.fswatch.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-w.fswatch.Errors:
			if !ok {
				return
			}
			tracelog.Warnf("repo watcher for %s: %v", w.repo.ID, err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.manager.Refresh(ctx, w.repo); err != nil {
			tracelog.Warnf("auto-refresh of %s failed: %v", w.repo.ID, err)
		}
	})
}
