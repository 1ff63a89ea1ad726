package observer

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/fsnotify/fsnotify"
)

// StatusSuffix is the extension of driver status files
const StatusSuffix = ".status"

// StatusChangeCallback is called with the target names whose status files changed
type StatusChangeCallback func(targets []string)

// StatusWatcher monitors a driver output directory for status file writes
type StatusWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	callback StatusChangeCallback
	debounce time.Duration

	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewStatusWatcher creates a watcher for dir. The directory must exist.
func NewStatusWatcher(dir string, callback StatusChangeCallback) (*StatusWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	return &StatusWatcher{
		watcher:  watcher,
		dir:      dir,
		callback: callback,
		debounce: 100 * time.Millisecond,
		pending:  make(map[string]struct{}),
	}, nil
}

// Start begins watching for file changes
func (sw *StatusWatcher) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sw.watcher.Events:
				if !ok {
					return
				}
				sw.handleEvent(event)
			case err, ok := <-sw.watcher.Errors:
				if !ok {
					return
				}
				clog.FromContext(ctx).With("dir", sw.dir).Warnf("status watcher: %v", err)
			}
		}
	}()
}

// Stop stops watching for file changes
func (sw *StatusWatcher) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.watcher.Close()

	sw.mu.Lock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.mu.Unlock()
}

func (sw *StatusWatcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, StatusSuffix) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	target := strings.TrimSuffix(filepath.Base(event.Name), StatusSuffix)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.pending[target] = struct{}{}
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.flush)
}

func (sw *StatusWatcher) flush() {
	sw.mu.Lock()
	pending := sw.pending
	sw.pending = make(map[string]struct{})
	sw.mu.Unlock()

	if sw.callback == nil || len(pending) == 0 {
		return
	}
	targets := make([]string, 0, len(pending))
	for t := range pending {
		targets = append(targets, t)
	}
	sw.callback(targets)
}

// SetDebounce sets the debounce duration for batching file changes
func (sw *StatusWatcher) SetDebounce(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debounce = d
}
