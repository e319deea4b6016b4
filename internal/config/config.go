package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/basket/todo-agent/internal/otel"
)

const (
	defaultBindAddr       = "127.0.0.1:3001"
	defaultTimeoutSeconds = 30
	defaultMaxTurns       = 6
	defaultFailThreshold  = 5
	defaultFailCooldown   = 300
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMProviderConfig holds configuration for all LLM providers.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1

	// FallbackProviders is tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's
	// circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open. Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`   // sqlite file; empty uses <home>/todo.db
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// EngineConfig bounds each request's use of the language model.
type EngineConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxTurns       int `yaml:"max_turns"`
}

// RateLimitConfig throttles gateway requests per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins lists the Origin headers accepted for browser connections.
	// "*" accepts any origin.
	AllowOrigins []string `yaml:"allow_origins"`

	LLM LLMProviderConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry otel.Config     `yaml:"telemetry"`
	Channels  ChannelsConfig  `yaml:"channels"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence over config.yaml.
func (c Config) LLMProviderAPIKey(provider string) string {
	envVars := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, name := range envVars[provider] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model and API key.
// An empty model means the provider default.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	model = c.ModelFor(provider)
	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ModelFor returns the configured model for provider, or "" when unset.
func (c Config) ModelFor(provider string) string {
	switch provider {
	case "anthropic":
		return c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		return c.LLM.OpenAIModel
	case "google":
		return c.LLM.GeminiModel
	}
	return ""
}

// BaseURLFor returns the custom endpoint for provider, or "".
func (c Config) BaseURLFor(provider string) string {
	if provider == "openai_compatible" && c.LLM.OpenAICompatibleBaseURL != "" {
		return c.LLM.OpenAICompatibleBaseURL
	}
	return c.Providers[provider].BaseURL
}

// StorePath returns the sqlite file path, defaulting to <home>/todo.db.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.HomeDir, "todo.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	provider, model, _ := c.ResolveLLMConfig()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|driver=%s|timeout=%d|turns=%d|origins=%v",
		c.BindAddr, c.LogLevel, provider, model, c.Store.Driver,
		c.Engine.TimeoutSeconds, c.Engine.MaxTurns, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:     defaultBindAddr,
		LogLevel:     "info",
		AllowOrigins: []string{"*"},
		LLM: LLMProviderConfig{
			Provider:                "google",
			FailoverThreshold:       defaultFailThreshold,
			FailoverCooldownSeconds: defaultFailCooldown,
		},
		Store:  StoreConfig{Driver: "sqlite"},
		Engine: EngineConfig{TimeoutSeconds: defaultTimeoutSeconds, MaxTurns: defaultMaxTurns},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "todoagent",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TODOAGENT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".todoagent")
}

// LoadDotEnv reads .env from dir into the process environment.
// Variables already set are left untouched. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create todoagent home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "google"
	case "gemini", "googleai":
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = defaultFailThreshold
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = defaultFailCooldown
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Engine.TimeoutSeconds <= 0 {
		cfg.Engine.TimeoutSeconds = defaultTimeoutSeconds
	}
	if cfg.Engine.MaxTurns <= 0 {
		cfg.Engine.MaxTurns = defaultMaxTurns
	}
	if cfg.RateLimit.RequestsPerMinute > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerMinute
	}
}

func validate(cfg Config) error {
	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", cfg.Store.Driver)
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr %q: %w", cfg.BindAddr, err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return errors.New("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TODOAGENT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TODOAGENT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TODOAGENT_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.GeminiModel = raw
	}
	if raw := os.Getenv("TODOAGENT_ENGINE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TODOAGENT_DB_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if dsn := postgresDSNFromParts(); dsn != "" {
		cfg.Store.DSN = dsn
		if os.Getenv("TODOAGENT_DB_DRIVER") == "" {
			cfg.Store.Driver = "postgres"
		}
	}
	if raw := os.Getenv("TODOAGENT_DB_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// postgresDSNFromParts assembles a postgres URL from DB_HOST, DB_PORT,
// DB_USER, DB_PASSWORD and DB_NAME. It returns "" unless DB_HOST is set.
func postgresDSNFromParts() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + os.Getenv("DB_NAME"),
		RawQuery: "sslmode=disable",
	}
	if user := os.Getenv("DB_USER"); user != "" {
		if pw, ok := os.LookupEnv("DB_PASSWORD"); ok {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}
