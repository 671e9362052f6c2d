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

// defaultPollInterval is how often the watcher re-checks the config file.
// Language catalogue and log level changes are operator actions, not a hot
// path, so a relaxed cadence is enough.
const defaultPollInterval = 10 * time.Second

// fileState is one observed load of the config file: the parsed config plus
// the fingerprint used to detect the next change.
type fileState struct {
	cfg   *Config
	hash  [sha256.Size]byte
	mtime time.Time
}

// Watcher polls the duologd config file and reports content changes through a
// callback, so the reloadable settings (log level, language catalogue,
// visitor default — see [Diff]) can be applied without a restart. A file that
// fails to parse or validate is logged and ignored; the last valid config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu   sync.Mutex
	last fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. The initial load must succeed; after that, invalid rewrites of
// the file never replace the current config.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.last = st

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends the polling goroutine. Safe to call more than once.
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

// reload re-reads the file if its mtime moved and, when the content actually
// differs and parses cleanly, swaps the current config and fires the
// callback.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config file unreadable, keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.last.mtime
	w.mu.Unlock()
	if info.ModTime().Equal(mtime) {
		return
	}

	st, err := w.read()
	if err != nil {
		slog.Warn("config reload rejected, keeping current config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.hash == w.last.hash {
		// Touched but unchanged; remember the mtime so the stat fast path
		// works again.
		w.last.mtime = st.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = st
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)

	// Outside the lock: the callback may call Current().
	if w.onChange != nil {
		w.onChange(old, st.cfg)
	}
}

// read loads and validates the file, fingerprinting the raw bytes so a
// touch without a content change is told apart from a real edit.
func (w *Watcher) read() (fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return fileState{}, err
	}

	return fileState{
		cfg:   cfg,
		hash:  sha256.Sum256(data),
		mtime: info.ModTime(),
	}, nil
}
