package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the server's file-backed configuration. Everything has a
// working default so a config file is optional.
type Config struct {
	Addr         string `json:"addr"`
	OpLogDSN     string `json:"oplogDsn"`
	ReplayWindow int    `json:"replayWindow"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8090"
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = defaultReplayKeep
	}
	return c
}

// LoadConfig reads a JSON config file. An empty path or a missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}.withDefaults(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}.withDefaults(), nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// ConfigWatcher reloads the config file when it changes and hands each
// successfully parsed version to the callback. Editors replace files
// rather than write in place, so the watch is on the directory and
// filtered by name.
type ConfigWatcher struct {
	path    string
	logger  Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Config

	done chan struct{}
	once sync.Once
}

func WatchConfig(path string, logger Logger, onChange func(Config)) (*ConfigWatcher, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &ConfigWatcher{
		path:    path,
		logger:  logger,
		watcher: watcher,
		current: cfg,
		done:    make(chan struct{}),
	}
	go w.loop(onChange)
	return w, nil
}

func (w *ConfigWatcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *ConfigWatcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.watcher.Close()
}

func (w *ConfigWatcher) loop(onChange func(Config)) {
	var (
		debounce *time.Timer
		pending  bool
	)
	reload := func() {
		cfg, err := LoadConfig(w.path)
		if err != nil {
			w.logger.Printf("config reload failed, keeping previous: %v", err)
			return
		}
		w.mu.Lock()
		changed := cfg != w.current
		w.current = cfg
		w.mu.Unlock()
		if changed {
			w.logger.Printf("config reloaded from %s", w.path)
			if onChange != nil {
				onChange(cfg)
			}
		}
	}
	for {
		var debounceC <-chan time.Time
		if pending {
			debounceC = debounce.C
		}
		select {
		case <-w.done:
			return
		case <-debounceC:
			pending = false
			reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Collapse editor write bursts into one reload.
			if debounce == nil {
				debounce = time.NewTimer(100 * time.Millisecond)
			} else {
				if !debounce.Stop() && pending {
					<-debounce.C
				}
				debounce.Reset(100 * time.Millisecond)
			}
			pending = true
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config watch error: %v", err)
		}
	}
}
