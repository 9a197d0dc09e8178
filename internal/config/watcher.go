package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fingerprint identifies one on-disk revision of the config file. The
// mtime gates the cheap path; the hash catches touch-without-change.
type fingerprint struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls the gateway's config file and reports hot-reloadable
// changes as a [ConfigDiff]. An invalid or unreadable file never replaces
// the last good config; running sessions are unaffected either way since
// only the log level and handshake defaults reload live.
//
// Polling, not fsnotify: the config is one small file read every few
// seconds, which an mtime stat covers without another dependency.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(ConfigDiff)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. The default is slog.Default.
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher loads the config at path and starts polling it. apply is
// invoked with the [ConfigDiff] of every content change that carries at
// least one hot-reloadable field; changes needing a restart are logged and
// otherwise ignored.
func NewWatcher(path string, apply func(ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		apply:    apply,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = fp

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

// reload re-reads the file when its mtime moved, swaps in the new config
// when the content actually changed, and hands the diff to apply.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config file unreadable, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		w.log.Warn("config file invalid, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	if fp.hash == w.seen.hash {
		// Touched, same content.
		w.seen.mtime = fp.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = fp
	w.mu.Unlock()

	diff := Diff(old, cfg)
	if diff.Empty() {
		w.log.Info("config changed but no hot-reloadable field did, restart to apply", "path", w.path)
		return
	}
	w.log.Info("config reloaded", "path", w.path,
		"log_level_changed", diff.LogLevelChanged, "defaults_changed", diff.DefaultsChanged)
	if w.apply != nil {
		w.apply(diff)
	}
}

// read loads and validates the file, fingerprinting the bytes it parsed.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
