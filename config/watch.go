package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-mem/opencode-mem/log"
)

// syncHotReloadKeys are keys A.3 allows the daemon to pick up without a
// process restart. database_path and keys_dir require a restart since
// they are read once at store-open time.
var syncHotReloadKeys = map[string]bool{
	"sync_enabled": true, "sync_host": true, "sync_port": true,
	"sync_interval_s": true, "sync_mdns": true, "sync_key_store": true,
	"sync_advertise": true, "sync_projects_include": true,
	"sync_projects_exclude": true, "sync_advertise_host": true,
}

// Watcher reloads a config file on change and invokes onChange with the
// freshly parsed Config. Errors reading or parsing a changed file are
// logged and the previous Config is kept in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   log.Logger
	done     chan struct{}
}

// WatchFile starts watching path for changes and calls onChange whenever
// it reparses successfully. Call Close to stop.
func WatchFile(path string, logger log.Logger, onChange func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, watcher: fw, onChange: onChange, logger: logger, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

// IsHotReloadable reports whether key (the config.json field name, e.g.
// "sync_interval_s") can be applied to a running daemon without restart.
func IsHotReloadable(key string) bool {
	return syncHotReloadKeys[key]
}
