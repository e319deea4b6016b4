// Package doctor runs offline-safe startup diagnostics for todoagent.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/persistence"
)

type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed. Warnings do not count.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Check is one diagnostic. cfg is nil when config failed to load.
type Check func(ctx context.Context, cfg *config.Config) CheckResult

// DefaultChecks is the set run by Run.
func DefaultChecks() []Check {
	return []Check{
		checkConfig,
		checkAPIKey,
		checkStore,
		checkPermissions,
		checkTelegram,
		checkNetwork,
	}
}

// Run executes every default check in order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return RunChecks(ctx, cfg, version, DefaultChecks())
}

func RunChecks(ctx context.Context, cfg *config.Config, version string, checks []Check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

// Print writes one aligned line per check.
func Print(w io.Writer, d Diagnosis) {
	fmt.Fprintf(w, "todoagent %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
	for _, r := range d.Results {
		fmt.Fprintf(w, "[%-4s] %-12s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Fprintf(w, "       %-12s %s\n", "", r.Detail)
		}
	}
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Using defaults", Detail: fmt.Sprintf("no %s", path)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded %s", path), Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider, _, key := cfg.ResolveLLMConfig()
	if key != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key present for %s", provider)}
	}
	for _, fb := range cfg.LLM.FallbackProviders {
		if cfg.LLMProviderAPIKey(fb) != "" {
			return CheckResult{
				Name:    "API Key",
				Status:  StatusWarn,
				Message: fmt.Sprintf("No key for %s; requests will fail over to %s", provider, fb),
			}
		}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No key for %s; every request will be refused", provider),
		Detail:  "Set the provider's API key in the environment, .env or config.yaml providers section",
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: StatusSkip, Message: "Config missing"}
	}
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := persistence.Open(openCtx, persistence.Options{
		Driver: persistence.Driver(cfg.Store.Driver),
		Path:   cfg.StorePath(),
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	tasks, err := store.ListAll(openCtx)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s ok, %d task(s)", store.Driver(), len(tasks)),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	switch {
	case !tg.Enabled:
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Disabled"}
	case tg.Token == "":
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled but no token", Detail: "Set TELEGRAM_TOKEN or channels.telegram.token"}
	case len(tg.AllowedIDs) == 0:
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed_ids; every message will be ignored"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("%d allowed user(s)", len(tg.AllowedIDs))}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider, _, _ := cfg.ResolveLLMConfig()
	provider = strings.ToLower(provider)

	host, ok := providerHosts[provider]
	if base := cfg.BaseURLFor(provider); base != "" {
		host, ok = hostOf(base), true
	}
	if !ok || host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for %s", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

// hostOf strips scheme, port and path from a base URL.
func hostOf(base string) string {
	s := strings.TrimSpace(base)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
