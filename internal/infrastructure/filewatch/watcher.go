package filewatch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/pkg/safego"
)

// Watcher monitors a single file and calls reload after it changes.
// The parent directory is watched so editors that replace the file via
// rename are still observed. Bursts of events are coalesced.
//
// Usage:
//
//	w, err := filewatch.New("/etc/messaging/authz.yaml", authorizer.Reload, logger)
//	w.Start()
//	defer w.Stop()
type Watcher struct {
	path     string
	reload   func() error
	debounce time.Duration
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// New creates a watcher for path. Watching starts with Start.
func New(path string, reload func() error, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		reload:   reload,
		debounce: 100 * time.Millisecond,
		fsw:      fsw,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "file-watcher"), zap.String("path", abs)),
	}, nil
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	w.logger.Info("File watcher started")
	safego.Go(w.logger, "filewatch", w.loop)
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("File watcher stopped")
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			// 解析失败时保留旧内容
			if err := w.reload(); err != nil {
				w.logger.Warn("Reload failed, keeping previous version", zap.Error(err))
				continue
			}
			w.logger.Info("File reloaded")

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}
