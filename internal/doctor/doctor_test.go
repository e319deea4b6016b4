package doctor

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/basket/todo-agent/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.Store.Driver = "sqlite"
	return cfg
}

func TestNilConfig(t *testing.T) {
	for _, check := range []Check{checkAPIKey, checkStore, checkPermissions, checkTelegram, checkNetwork} {
		if r := check(context.Background(), nil); r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", r.Name, r.Status)
		}
	}
	if r := checkConfig(context.Background(), nil); r.Status != StatusFail {
		t.Fatalf("config: expected FAIL, got %s", r.Status)
	}
}

func TestCheckStore_OpensSQLite(t *testing.T) {
	r := checkStore(context.Background(), testConfig(t))
	if r.Status != StatusPass {
		t.Fatalf("store check = %+v", r)
	}
	if !strings.Contains(r.Message, "0 task(s)") {
		t.Fatalf("message = %q", r.Message)
	}
}

func TestCheckStore_BadDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	if r := checkStore(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := testConfig(t)
	if r := checkAPIKey(context.Background(), cfg); r.Status != StatusWarn || !strings.Contains(r.Message, "refused") {
		t.Fatalf("no key = %+v", r)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg.LLM.FallbackProviders = []string{"anthropic"}
	if r := checkAPIKey(context.Background(), cfg); r.Status != StatusWarn || !strings.Contains(r.Message, "fail over to anthropic") {
		t.Fatalf("fallback key = %+v", r)
	}

	cfg.LLM.Provider = "anthropic"
	if r := checkAPIKey(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("primary key = %+v", r)
	}
}

func TestCheckTelegram(t *testing.T) {
	tests := []struct {
		name string
		tg   config.TelegramConfig
		want Status
	}{
		{"disabled", config.TelegramConfig{}, StatusSkip},
		{"no token", config.TelegramConfig{Enabled: true}, StatusFail},
		{"no allowlist", config.TelegramConfig{Enabled: true, Token: "t"}, StatusWarn},
		{"ok", config.TelegramConfig{Enabled: true, Token: "t", AllowedIDs: []int64{42}}, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Channels.Telegram = tt.tg
			if r := checkTelegram(context.Background(), cfg); r.Status != tt.want {
				t.Fatalf("status = %s, want %s (%+v)", r.Status, tt.want, r)
			}
		})
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := checkNetwork(ctx, testConfig(t)); r.Status != StatusFail {
		t.Fatalf("expected FAIL for canceled context, got %s", r.Status)
	}
}

func TestCheckNetwork_UnknownProviderSkips(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "openai_compatible"
	if r := checkNetwork(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("expected SKIP, got %+v", r)
	}
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"https://api.example.com/v1": "api.example.com",
		"http://localhost:11434/v1/": "localhost",
		"api.example.com":            "api.example.com",
		" https://x.example?key=1 ":  "x.example",
	}
	for in, want := range tests {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunChecksAndPrint(t *testing.T) {
	pass := func(context.Context, *config.Config) CheckResult {
		return CheckResult{Name: "A", Status: StatusPass, Message: "fine"}
	}
	fail := func(context.Context, *config.Config) CheckResult {
		return CheckResult{Name: "B", Status: StatusFail, Message: "broken", Detail: "why"}
	}
	d := RunChecks(context.Background(), nil, "v-test", []Check{pass, fail})
	if !d.Failed() || len(d.Results) != 2 {
		t.Fatalf("diagnosis = %+v", d)
	}

	var buf bytes.Buffer
	Print(&buf, d)
	out := buf.String()
	if !strings.Contains(out, "todoagent v-test") || !strings.Contains(out, "[FAIL] B") || !strings.Contains(out, "why") {
		t.Fatalf("output = %q", out)
	}
}
