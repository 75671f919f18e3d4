package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

const debounce = 250 * time.Millisecond

// Watch reloads path whenever it changes and hands each valid new Config to
// onChange. Invalid edits are logged and skipped, keeping the last good
// config in effect. The returned stop function ends the watch.
//
// The parent directory is watched, not the file: editors replace files by
// rename, which would otherwise drop the watch.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Collapse editor write bursts into one reload.
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					cfg, err := Load(abs)
					if err != nil {
						log.Warnf("reload %s: %v", path, err)
						return
					}
					log.Infof("config reloaded from %s", path)
					onChange(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("watch %s: %v", path, err)
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}
