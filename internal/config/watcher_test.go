package config_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/todo-agent/internal/config"
)

// captured collects reloaded configs from a hook.
type captured struct {
	mu   sync.Mutex
	cfgs []config.Config
}

func (c *captured) hook(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfgs = append(c.cfgs, cfg)
}

func (c *captured) last() (config.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cfgs) == 0 {
		return config.Config{}, false
	}
	return c.cfgs[len(c.cfgs)-1], true
}

func startReloader(t *testing.T, home string, hooks ...func(config.Config)) {
	t.Helper()
	r := config.NewReloader(home, nil)
	for _, h := range hooks {
		r.OnReload(h)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start reloader: %v", err)
	}
}

// rewriteUntil keeps rewriting config.yaml until cond holds; notification
// readiness varies by platform.
func rewriteUntil(t *testing.T, home, body string, cond func() bool) {
	t.Helper()
	path := config.ConfigPath(home)
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("config change was not picked up")
		}
		_ = os.WriteFile(path, []byte(body), 0o644)
		time.Sleep(100 * time.Millisecond)
	}
}

func TestReloader_DeliversNewConfig(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "rate_limit:\n  requests_per_minute: 10\n")

	var got captured
	startReloader(t, home, got.hook)

	rewriteUntil(t, home, "rate_limit:\n  requests_per_minute: 99\n  burst: 5\n", func() bool {
		cfg, ok := got.last()
		return ok && cfg.RateLimit.RequestsPerMinute == 99
	})
	cfg, _ := got.last()
	if cfg.RateLimit.Burst != 5 {
		t.Fatalf("burst = %d, want 5", cfg.RateLimit.Burst)
	}
}

func TestReloader_IgnoresOtherFiles(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "log_level: info\n")

	var got captured
	startReloader(t, home, got.hook)

	if err := os.WriteFile(filepath.Join(home, "todo.db-wal"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if _, ok := got.last(); ok {
		t.Fatal("reload triggered by an unrelated file")
	}
}

func TestReloader_LevelHook(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "log_level: info\n")

	var level slog.LevelVar
	startReloader(t, home, config.LevelHook(&level, nil))

	rewriteUntil(t, home, "log_level: debug\n", func() bool { return level.Level() == slog.LevelDebug })
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for raw, want := range tests {
		if got := config.ParseLevel(raw); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
