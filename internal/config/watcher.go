package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle absorbs the write bursts editors produce on save.
const reloadSettle = 150 * time.Millisecond

// Reloader re-reads config.yaml when it changes and hands the new Config to
// every OnReload hook. Live keys are log_level and rate_limit; the rest take
// effect on restart.
type Reloader struct {
	homeDir string
	logger  *slog.Logger

	mu    sync.Mutex
	hooks []func(Config)
}

func NewReloader(homeDir string, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{homeDir: homeDir, logger: logger.With("component", "config")}
}

// OnReload registers fn. Hooks run in registration order on the reloader's
// goroutine.
func (r *Reloader) OnReload(fn func(Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Start watches the home directory rather than the file so atomic
// replace-on-save is still seen. It returns once the watch is in place.
func (r *Reloader) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(r.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go r.run(ctx, fsw)
	return nil
}

func (r *Reloader) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	target := filepath.Clean(ConfigPath(r.homeDir))
	settle := time.NewTimer(reloadSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(reloadSettle)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watch failed", "error", err)
		case <-settle.C:
			r.reload()
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := Load()
	if err != nil {
		r.logger.Warn("config reload rejected, keeping previous settings", "error", err)
		return
	}
	r.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
	r.mu.Lock()
	hooks := append([]func(Config){}, r.hooks...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
}

// LevelHook returns an OnReload hook that moves level to the configured
// log_level.
func LevelHook(level *slog.LevelVar, logger *slog.Logger) func(Config) {
	return func(cfg Config) {
		next := ParseLevel(cfg.LogLevel)
		if next == level.Level() {
			return
		}
		level.Set(next)
		if logger != nil {
			logger.Info("log level changed", "level", next.String())
		}
	}
}

// ParseLevel maps a config log_level to a slog.Level. Unknown values mean info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
