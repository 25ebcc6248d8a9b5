package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "humanity/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

const fileOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are followed. Bursts of events collapse into one reload. When the
// watcher breaks it is recreated after a jittered, growing delay.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	d := newDebouncer(reloadDebounce, func() {
		if _, err := m.Reload(ctx); err != nil {
			m.log.Warn("config reload rejected; keeping current config", logx.String("path", m.path), logx.Err(err))
		}
	})
	defer d.stop()

	delay := watchRetryMin
	for {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watcher unavailable", logx.String("dir", dir), logx.Err(err))
		} else {
			delay = watchRetryMin
			m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", name))
			m.follow(ctx, w, name, d.trigger)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := delay + rand.N(delay/2+1)
		delay = min(delay*2, watchRetryMax)
		m.log.Debug("config watcher restarting", logx.Duration("in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// follow forwards events for name to changed. It returns when ctx is done or
// the watcher can no longer deliver events.
func (m *Manager) follow(ctx context.Context, w *fsnotify.Watcher, name string, changed func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&fileOps != 0 && filepath.Base(ev.Name) == name {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watcher overflowed; reloading", logx.Err(err))
				changed()
			case err != nil:
				m.log.Warn("config watcher error", logx.Err(err))
			}
		}
	}
}

// debouncer runs fn once after calls to trigger have been quiet for wait.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

func newDebouncer(wait time.Duration, fn func()) *debouncer {
	return &debouncer{wait: wait, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.wait, d.fn)
		return
	}
	d.timer.Reset(d.wait)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
