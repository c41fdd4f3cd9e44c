package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces the write bursts editors produce into one reload.
const debounceWindow = 200 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the result to
// onReload. It blocks until ctx is cancelled. Reload failures are logged and
// the previous configuration stays active.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if errClose := watcher.Close(); errClose != nil {
			log.Debugf("config: close watcher failed: %v", errClose)
		}
	}()

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := func() {
		cfg, errLoad := LoadConfig(path)
		if errLoad != nil {
			log.Warnf("config: reload failed, keeping previous config: %v", errLoad)
			return
		}
		log.Infof("config: reloaded %s", path)
		onReload(cfg)
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			reload()
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config: watcher error: %v", errWatch)
		}
	}
}
