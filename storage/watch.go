package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDir emits one signal per burst of filesystem activity in dir until ctx
// is done.
func watchDir(ctx context.Context, dir string, delay time.Duration) (<-chan struct{}, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure watch dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	out := make(chan struct{}, 1)
	signal := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}
	th := newThrottle(delay)
	go func() {
		defer th.Stop()
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).WithField("dir", dir).Warn("watcher error")
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				th.Enqueue(signal)
			}
		}
	}()
	return out, nil
}

// throttle collapses calls made within delay of the first one into a single
// call at the end of the window.
type throttle struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
}

func newThrottle(delay time.Duration) *throttle {
	return &throttle{delay: delay}
}

func (t *throttle) Enqueue(fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(t.delay, func() {
		t.mu.Lock()
		t.timer = nil
		t.mu.Unlock()
		fire()
	})
}

func (t *throttle) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
