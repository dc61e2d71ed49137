package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when its content changes. A file that fails
// to parse or validate is reported once and the last good config stays in
// effect.
type Watcher struct {
	path     string
	interval time.Duration
	getenv   func(string) string
	log      *slog.Logger
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	modTime  time.Time
	sum      [sha256.Size]byte
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often [Watcher.Run] stats the file. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the reload logger.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithEnv replaces os.Getenv for the credential overlay of [ApplyEnv].
func WithEnv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) {
		if getenv != nil {
			w.getenv = getenv
		}
	}
}

// NewWatcher loads path and returns a watcher that calls onChange with every
// accepted change. Nothing is polled until [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		getenv:   os.Getenv,
		log:      slog.Default(),
		onChange: onChange,
	}
	for _, o := range opts {
		o(w)
	}

	data, info, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := parse(data, w.getenv)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.modTime = info.ModTime()
	w.sum = sha256.Sum256(data)
	return w, nil
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done. Only a changed modification time
// triggers a read.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		info, err := os.Stat(w.path)
		if err != nil {
			w.log.Warn("config watcher: stat failed", "path", w.path, "err", err)
			continue
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.modTime)
		w.mu.Unlock()
		if !same {
			_, _ = w.Reload()
		}
	}
}

// Reload reads the file now and applies it if its content changed. It
// reports whether onChange was called. Errors are logged as well as returned.
func (w *Watcher) Reload() (bool, error) {
	data, info, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: read failed", "path", w.path, "err", err)
		return false, err
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.modTime = info.ModTime()
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	repeated := sum == w.rejected
	w.mu.Unlock()

	cfg, err := parse(data, w.getenv)
	if err != nil {
		if !repeated {
			w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
		w.mu.Lock()
		w.rejected = sum
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.sum = sum
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() ([]byte, os.FileInfo, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}
