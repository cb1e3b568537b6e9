package config

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/fsnotify/fsnotify"
)

// Watcher holds the live configuration and reloads it when the file changes.
// Readers take a snapshot with Current; a failed reload keeps the previous
// config in place.
type Watcher struct {
	Log  logs.Log
	path string
	cur  atomic.Pointer[KioskConfig]

	// OnReload, if set, is called after every successful reload.
	OnReload func(*KioskConfig)
}

// NewWatcher loads path and returns a Watcher serving it.
func NewWatcher(log logs.Log, path string) (*Watcher, error) {
	cfg, err := LoadKioskConfig(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{Log: log, path: path}
	w.cur.Store(cfg)
	return w, nil
}

// StaticWatcher wraps a fixed config. Start is a no-op on it.
func StaticWatcher(cfg *KioskConfig) *Watcher {
	w := &Watcher{}
	w.cur.Store(cfg)
	return w
}

// Current returns the latest successfully loaded config.
func (w *Watcher) Current() *KioskConfig {
	return w.cur.Load()
}

// Reload re-reads the file now.
func (w *Watcher) Reload() error {
	cfg, err := LoadKioskConfig(w.path)
	if err != nil {
		return err
	}
	w.cur.Store(cfg)
	if w.OnReload != nil {
		w.OnReload(cfg)
	}
	return nil
}

// Start watches the config file's directory until ctx is done. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(w.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := w.Reload(); err != nil {
					w.Log.Warnf("Config reload of %v failed, keeping previous: %v", w.path, err)
				} else {
					w.Log.Infof("Config reloaded from %v", w.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.Log.Errorf("Config watcher error: %v", err)
			}
		}
	}()
	return watcher.Add(filepath.Dir(target))
}
