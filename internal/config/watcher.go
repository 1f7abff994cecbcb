package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps the callbridge config current while calls are running.
//
// The file is polled every interval; a rewrite whose content hash differs
// from the last accepted version is parsed, validated and handed to the
// onChange callback. [Watcher.Reload] skips the wait, which main wires to
// SIGHUP. A file that fails validation is reported once per distinct content
// and the previous config stays active, so a half-saved edit never takes
// down a running bridge.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	reload   chan struct{}

	mu        sync.Mutex
	current   *Config
	lastMtime time.Time
	lastHash  [sha256.Size]byte
	badHash   [sha256.Size]byte
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

// NewWatcher loads path once and returns a watcher holding it. Polling starts
// with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	if snap.err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", snap.err)
	}
	w.current = snap.cfg
	w.lastHash = snap.hash
	w.lastMtime = snap.mtime
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running watcher to re-read the file now, even if its
// modification time did not change. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls the config file until ctx is cancelled. It always returns nil so
// it can run inside an errgroup next to the HTTP server.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			slog.Info("config watcher: reload requested", "path", w.path)
			w.check(true)
		}
	}
}

func (w *Watcher) check(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		unchanged := info.ModTime().Equal(w.lastMtime)
		w.mu.Unlock()
		if unchanged {
			return
		}
	}

	snap, err := w.read()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.lastMtime = snap.mtime
	if snap.hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	if snap.err != nil {
		repeated := snap.hash == w.badHash
		w.badHash = snap.hash
		w.mu.Unlock()
		if !repeated {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", snap.err)
		}
		return
	}
	old := w.current
	w.current = snap.cfg
	w.lastHash = snap.hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback can call Current.
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
}

// snapshot is one read of the config file. err is set when the content does
// not parse or validate; the hash is still valid in that case.
type snapshot struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
	err   error
}

// read returns an error only when the file itself cannot be read.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	snap := snapshot{hash: sha256.Sum256(data), mtime: info.ModTime()}
	snap.cfg, snap.err = LoadFromReader(bytes.NewReader(data))
	return snap, nil
}
