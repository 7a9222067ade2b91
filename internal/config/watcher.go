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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// snapshot is one successfully loaded version of the config file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher keeps a config file loaded. It polls the file's modification time
// and reloads when it moves; [Watcher.Reload] forces a reload (main wires it
// to SIGHUP). onChange sees the previous and the new config only when the
// content actually changed and the new content is valid. Environment
// overrides are applied to every version.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	log      *slog.Logger
	onChange func(old, new *Config)

	// reloadMu serialises reloads so onChange calls never overlap.
	reloadMu sync.Mutex

	mu   sync.Mutex
	snap snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment overrides applied on every reload.
func WithLookup(lookup LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// WithWatchLogger sets the logger used for reload events.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts polling it. An unreadable or invalid file
// is an error here; later failures only log and keep the last good config.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.snap = snap

	go w.poll()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Stop ends polling. Reload keeps working after Stop.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload reads the file now regardless of its modification time. It returns
// the load or validation error, in which case the current config is kept.
func (w *Watcher) Reload() error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	next, err := w.read()
	if err != nil {
		return fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	w.apply(next)
	return nil
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *Watcher) pollOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.snap.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	next, err := w.read()
	if err != nil {
		w.log.Warn("config: keeping previous config", "path", w.path, "err", err)
		return
	}
	w.apply(next)
}

// apply installs next and notifies onChange if the content differs. The
// caller holds reloadMu.
func (w *Watcher) apply(next snapshot) {
	w.mu.Lock()
	prev := w.snap
	if next.sum == prev.sum {
		// Touched but identical: remember the mtime, keep the config.
		w.snap.mtime = next.mtime
		w.mu.Unlock()
		return
	}
	w.snap = next
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path, "diff", Diff(prev.cfg, next.cfg))
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
}

// read loads, overrides and validates the file.
func (w *Watcher) read() (snapshot, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	if err := ApplyEnv(cfg, w.lookup); err != nil {
		return snapshot{}, err
	}
	if err := Validate(cfg); err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
