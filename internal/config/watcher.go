package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 150 * time.Millisecond

// Reload is one re-read of config.yaml. Err is set when the new file does
// not load; Config then holds whatever LoadFrom returned and must not be
// applied.
type Reload struct {
	Config Config
	Err    error
}

// Watcher re-reads config.yaml after it changes on disk and reports loads
// whose fingerprint differs from the last good one.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	debounce time.Duration
	last     string
	reloads  chan Reload
}

// NewWatcher starts from current, the config the process is running with.
func NewWatcher(current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  current.HomeDir,
		logger:   logger,
		debounce: defaultDebounce,
		last:     current.Fingerprint(),
		reloads:  make(chan Reload, 4),
	}
}

// SetDebounce changes how long a burst of writes is coalesced. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

// Start watches until ctx is done, then closes the Reloads channel.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace config.yaml via rename, which drops a file-level watch.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.reloads)

	target := ConfigPath(w.homeDir)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Name == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := LoadFrom(w.homeDir)
	if err == nil {
		fp := next.Fingerprint()
		if fp == w.last {
			w.logger.Debug("config rewritten without changes", "fingerprint", fp)
			return
		}
		w.last = fp
	}
	w.logger.Info("config file changed", "path", ConfigPath(w.homeDir), "valid", err == nil)
	select {
	case w.reloads <- Reload{Config: next, Err: err}:
	case <-ctx.Done():
	}
}
