package dsl

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOption настраивает Watcher.
type WatcherOption func(*Watcher)

func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// Watcher следит за каталогом определений и вызывает reload, когда
// содержимое действительно изменилось и события утихли на debounce.
type Watcher struct {
	src      *DirSource
	reload   func(ctx context.Context) error
	debounce time.Duration
	log      *slog.Logger
}

func NewWatcher(src *DirSource, reload func(ctx context.Context) error, opts ...WatcherOption) *Watcher {
	w := &Watcher{src: src, reload: reload, debounce: 500 * time.Millisecond, log: slog.Default()}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run блокируется до отмены ctx.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definitions watcher: %w", err)
	}
	defer fsw.Close()

	// fsnotify не рекурсивен: подписываемся на каждый подкаталог
	err = filepath.WalkDir(w.src.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("definitions watcher: watch %s: %w", w.src.Root, err)
	}

	last, err := w.src.Hash()
	if err != nil {
		return fmt.Errorf("definitions watcher: initial hash: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// новый подкаталог тоже нужно слушать
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					_ = fsw.Add(ev.Name)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("definitions watcher error", "err", err)

		case <-fire:
			fire = nil
			cur, err := w.src.Hash()
			if err != nil {
				w.log.Error("definitions watcher: hash failed", "err", err)
				continue
			}
			if cur == last {
				w.log.Debug("definitions unchanged, skipping reload")
				continue
			}
			if err := w.reload(ctx); err != nil {
				w.log.Error("definitions reload failed", "err", err)
				continue
			}
			last = cur
		}
	}
}
