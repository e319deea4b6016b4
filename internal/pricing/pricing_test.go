package pricing

import (
	"math"
	"strings"
	"testing"
)

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	if cost := EstimateCost("unknown-model-xyz", 1000, 500); cost != 0 {
		t.Fatalf("expected 0 for unknown model, got %f", cost)
	}
	if Known("unknown-model-xyz") {
		t.Fatal("unknown model reported as known")
	}
}

func TestEstimateCost_ProviderPrefix(t *testing.T) {
	plain := EstimateCost("gemini-2.5-flash", 1_000_000, 1_000_000)
	prefixed := EstimateCost("googleai/Gemini-2.5-Flash", 1_000_000, 1_000_000)
	if plain == 0 || math.Abs(plain-prefixed) > 1e-9 {
		t.Fatalf("plain=%f prefixed=%f", plain, prefixed)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"words", "add buy milk due tomorrow", 6},
		{"json floor", `{"id":1,"name":"Buy milk","is_done":false}`, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestEstimate(t *testing.T) {
	prompt := strings.Repeat("word ", 300)
	u := Estimate("claude-sonnet-4-5", prompt, "ok")
	if u.PromptTokens < 398 || u.PromptTokens > 399 || u.CompletionTokens != 1 {
		t.Fatalf("usage = %+v", u)
	}
	if u.CostUSD <= 0 {
		t.Fatalf("cost = %f", u.CostUSD)
	}
}
