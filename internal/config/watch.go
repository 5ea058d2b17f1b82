package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "agroplan/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// Watch reloads the config after edits settle, until ctx ends. The parent
// directory is watched so editors that replace the file are still seen. A
// failed watcher is rebuilt after a jittered, doubling wait.
func (m *ConfigManager) Watch(ctx context.Context) error {
	wait := rewatchMin
	for {
		healthy, err := m.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			wait = rewatchMin
		}
		d := wait + time.Duration(rand.Int64N(int64(wait/2)+1))
		m.log.Warn("config watcher failed, rebuilding", logx.String("path", m.path), logx.Duration("backoff", d), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
		wait = min(wait*2, rewatchMax)
	}
}

// watch runs one fsnotify watcher. healthy reports whether it got as far
// as receiving events.
func (m *ConfigManager) watch(ctx context.Context) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	dir, name := filepath.Split(filepath.Clean(m.path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-debounce.C:
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event stream closed")
			}
			if filepath.Base(ev.Name) == name {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errors.New("error stream closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow, reloading", logx.Err(err))
				debounce.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
