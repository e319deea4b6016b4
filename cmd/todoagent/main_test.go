package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/engine"
	"github.com/basket/todo-agent/internal/tools"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, w := range []string{"ask", "chat", "list", "models", "serve", "status", "doctor", "version"} {
		if !names[w] {
			t.Fatalf("missing subcommand %q in %v", w, names)
		}
	}
	for _, flag := range []string{"home", "log-level"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Fatalf("missing persistent flag --%s", flag)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "todoagent version ") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestAskRequiresArgs(t *testing.T) {
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"ask"})
	if err := root.Execute(); err == nil {
		t.Fatal("ask without a request should fail")
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:18789", "http://127.0.0.1:18789/healthz"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080/healthz"},
		{":8080", "http://127.0.0.1:8080/healthz"},
		{"[::]:8080", "http://127.0.0.1:8080/healthz"},
		{"http://todo.local:9000/", "http://todo.local:9000/healthz"},
		{"localhost:1", "http://localhost:1/healthz"},
	}
	for _, tt := range tests {
		if got := healthURL(tt.addr); got != tt.want {
			t.Errorf("healthURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestFetchHealth(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy"}`)
			return
		}
		fmt.Fprint(w, `{"status":"healthy"}`)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := fetchHealth(context.Background(), healthURL(srv.URL), &out); err != nil {
		t.Fatalf("fetchHealth: %v", err)
	}
	if out.String() != "{\"status\":\"healthy\"}\n" {
		t.Fatalf("output = %q", out.String())
	}

	unhealthy.Store(true)
	out.Reset()
	err := fetchHealth(context.Background(), healthURL(srv.URL), &out)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected unhealthy error, got %v", err)
	}
	if !strings.Contains(out.String(), "unhealthy") {
		t.Fatalf("body not printed: %q", out.String())
	}
}

func TestFetchHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := healthURL(srv.URL)
	srv.Close()
	if err := fetchHealth(context.Background(), url, io.Discard); err == nil {
		t.Fatal("expected an error for a closed server")
	}
}

func TestPrintTodos(t *testing.T) {
	views := []tools.TaskView{
		{ID: 1, Name: "Buy milk", DueDate: "2025-03-11T09:00:00Z"},
		{ID: 12, Name: "Pay rent", IsDone: true, DueDate: "2025-04-01T00:00:00Z"},
	}

	var table bytes.Buffer
	if err := printTodos(&table, views, false); err != nil {
		t.Fatalf("table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(table.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("table = %q", table.String())
	}
	if !strings.Contains(lines[2], "yes") || !strings.Contains(lines[2], "Pay rent") {
		t.Fatalf("done row = %q", lines[2])
	}

	var js bytes.Buffer
	if err := printTodos(&js, views, true); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded []tools.TaskView
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || decoded[1].ID != 12 || !decoded[1].IsDone {
		t.Fatalf("decoded = %+v", decoded)
	}

	var empty bytes.Buffer
	if err := printTodos(&empty, nil, false); err != nil {
		t.Fatalf("empty: %v", err)
	}
	if empty.String() != "No todos.\n" {
		t.Fatalf("empty = %q", empty.String())
	}
}

func TestBuildEngine_NoKeysIsUnavailable(t *testing.T) {
	for _, k := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(k, "")
	}
	cfg := config.Config{}
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.FallbackProviders = []string{" Anthropic ", "google", ""}

	eng, model := buildEngine(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if model != config.DefaultModel("anthropic") {
		t.Fatalf("model = %q", model)
	}
	_, err := eng.Complete(context.Background(), engine.Request{Input: "hi"})
	if !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestContainsWildcard(t *testing.T) {
	if containsWildcard([]string{"localhost:3000"}) {
		t.Fatal("no wildcard expected")
	}
	if !containsWildcard([]string{"a.example", " * "}) {
		t.Fatal("wildcard expected")
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errors.New("listen tcp :80: bind: address already in use")) {
		t.Fatal("expected match on message")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unexpected match")
	}
}

func TestWriteStartupEvent(t *testing.T) {
	var buf bytes.Buffer
	writeStartupEvent(&buf, "E_STORE_OPEN", `open "todo.db": locked`)
	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("not JSON: %v (%q)", err, buf.String())
	}
	if event["reason_code"] != "E_STORE_OPEN" || event["component"] != "todoagent" || event["level"] != "ERROR" {
		t.Fatalf("event = %v", event)
	}
}

func TestPriceLabel(t *testing.T) {
	if got := priceLabel("gpt-4o-mini"); got != "$0.15/$0.60 per 1M" {
		t.Fatalf("priceLabel(gpt-4o-mini) = %q", got)
	}
	if got := priceLabel("openrouter/auto"); got != "-" {
		t.Fatalf("unpriced model label = %q", got)
	}
}
