package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/tools"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects the provider behind a GenkitEngine.
type GenkitConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible,
	// openrouter. Empty means google.
	Provider string
	Model    string
	// APIKey falls back to the provider's environment variable.
	APIKey string
	// BaseURL overrides the endpoint for anthropic and openai-style providers.
	BaseURL string
	// CompatibleProvider names the backend for openai_compatible.
	CompatibleProvider string
}

// GenkitEngine implements Engine on top of a Genkit instance. Tool requests
// are always returned to the caller instead of being run by Genkit.
type GenkitEngine struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	tools    map[string]ai.Tool
	logger   *slog.Logger
}

// NewGenkitEngine initializes Genkit with the configured provider and
// registers the full tool catalogue once. Without an API key the engine is
// created but every Complete returns ErrUnavailable.
func NewGenkitEngine(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitEngine {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultModel(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := apiKey != ""
	switch {
	case !llmOn:
		g = genkit.Init(ctx)
		logger.Warn("engine API key missing; requests will fail until one is configured", "provider", provider)
	case provider == "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case provider == "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case provider == "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case provider == "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case provider == "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	default:
		g = genkit.Init(ctx)
		llmOn = false
		logger.Warn("unknown engine provider", "provider", provider)
	}

	e := &GenkitEngine{
		g:        g,
		provider: provider,
		model:    model,
		llmOn:    llmOn,
		tools:    make(map[string]ai.Tool),
		logger:   logger,
	}
	for _, spec := range tools.Catalog() {
		e.tools[spec.Name] = spec.Define(g)
	}
	if llmOn {
		logger.Info("genkit engine initialized", "provider", provider, "model", modelNameForProvider(provider, model), "tools", len(e.tools))
	}
	return e
}

// Provider returns the normalized provider name.
func (e *GenkitEngine) Provider() string {
	return e.provider
}

// Available reports whether the engine has credentials to call its provider.
func (e *GenkitEngine) Available() bool {
	return e.llmOn
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// Complete runs one model turn. Exchanges are replayed as tool request and
// tool response messages so the model sees the outcomes of earlier calls.
func (e *GenkitEngine) Complete(ctx context.Context, req Request) (*Completion, error) {
	if !e.llmOn {
		return nil, fmt.Errorf("%s: %w", e.provider, ErrUnavailable)
	}

	messages := []*ai.Message{ai.NewUserTextMessage(req.Input)}
	for _, ex := range req.Exchanges {
		var input any
		if len(ex.Call.Args) > 0 {
			if err := json.Unmarshal(ex.Call.Args, &input); err != nil {
				return nil, fmt.Errorf("replay %s arguments: %w", ex.Call.Name, err)
			}
		}
		messages = append(messages,
			ai.NewModelMessage(ai.NewToolRequestPart(&ai.ToolRequest{
				Name:  ex.Call.Name,
				Ref:   ex.Call.Ref,
				Input: input,
			})),
			ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   ex.Call.Name,
				Ref:    ex.Call.Ref,
				Output: ex.Result,
			})),
		)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(e.provider, e.model)),
		// Genkit formats the system prompt; literal % must be escaped.
		ai.WithSystem(strings.ReplaceAll(req.Instructions, "%", "%%")),
		ai.WithMessages(messages...),
	}
	if len(req.Tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(req.Tools))
		for _, spec := range req.Tools {
			t, ok := e.tools[spec.Name]
			if !ok {
				return nil, fmt.Errorf("tool %q is not registered", spec.Name)
			}
			refs = append(refs, t)
		}
		opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}

	resp, err := genkit.Generate(ctx, e.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	out := &Completion{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		args, err := json.Marshal(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %s input: %v", ErrMalformed, tr.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{Ref: tr.Ref, Name: tr.Name, Args: args})
	}
	return out, nil
}
