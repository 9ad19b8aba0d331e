package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/logging"
)

// CapabilitiesWatcher reloads a default-capabilities file whenever it changes
// on disk, so capability defaults can be tuned without a server restart.
type CapabilitiesWatcher struct {
	path    string
	fsys    afero.Fs
	watcher *fsnotify.Watcher
	onLoad  func(capabilities.Capabilities)
	done    chan struct{}
}

// WatchCapabilitiesFile starts watching path. onLoad receives every
// successfully parsed revision; parse failures keep the previous revision and
// are logged. The parent directory is watched so editors that replace the
// file are still observed.
func WatchCapabilitiesFile(fsys afero.Fs, path string, onLoad func(capabilities.Capabilities)) (*CapabilitiesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	w := &CapabilitiesWatcher{
		path:    path,
		fsys:    fsys,
		watcher: watcher,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *CapabilitiesWatcher) loop() {
	log := logging.ForComponent("config")
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			caps, err := LoadCapabilitiesFile(w.fsys, w.path)
			if err != nil {
				log.Warn().Str("path", w.path).Err(err).Msg("ignoring unparsable capabilities file revision")
				continue
			}
			log.Info().Str("path", w.path).Msg("reloaded default capabilities")
			w.onLoad(caps)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("capabilities watcher error")
		}
	}
}

// Close stops the watcher.
func (w *CapabilitiesWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
