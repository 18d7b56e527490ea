package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatchUnsupported is returned when the store is not file backed.
var ErrWatchUnsupported = errors.New("registry store does not support watching")

type pathStore interface {
	Path() string
}

// Watcher reloads a Registry when its backing file changes on disk.
type Watcher struct {
	reg      *Registry
	path     string
	fs       *fsnotify.Watcher
	reloaded chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Watch starts reloading r whenever another process rewrites its file.
// The parent directory is watched because saves replace the file by rename.
func (r *Registry) Watch(ctx context.Context) (*Watcher, error) {
	ps, ok := r.store.(pathStore)
	if !ok {
		return nil, ErrWatchUnsupported
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize filesystem watcher: %w", err)
	}
	path := filepath.Clean(ps.Path())
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching registry directory: %w", err)
	}

	w := &Watcher{
		reg:      r,
		path:     path,
		fs:       fw,
		reloaded: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Reloaded receives a value after each successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.fs.Close()
	})
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.reg.Reload(ctx); err != nil {
				w.reg.logger.Warn(ctx, "registry reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reg.logger.Warn(ctx, "registry watcher error", zap.Error(err))
		}
	}
}
