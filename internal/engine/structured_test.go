package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

var verdictSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"is_todo": {"type": "boolean"}},
	"required": ["is_todo"]
}`)

type verdict struct {
	IsTodo bool `json:"is_todo"`
}

func TestFirstObject(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"fenced json", "Sure:\n```json\n{\"is_todo\": true}\n```\n", `{"is_todo": true}`},
		{"bare fence", "```\n{\"is_todo\": false}\n```", `{"is_todo": false}`},
		{"raw object", `{"handler":"manager"}`, `{"handler":"manager"}`},
		{"embedded", `I think {"handler": "organizer"} fits.`, `{"handler": "organizer"}`},
		{"braces in string", `{"note": "a } b"}`, `{"note": "a } b"}`},
		{"broken then valid", `{oops {"is_todo": true}`, `{"is_todo": true}`},
		{"none", "no json here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(firstObject(tt.in)); got != tt.want {
				t.Fatalf("firstObject = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchemaCheck(t *testing.T) {
	s, err := CompileSchema(verdictSchema, 1)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if obj, err := s.Check("```json\n{\"is_todo\": true}\n```"); err != nil || string(obj) != `{"is_todo": true}` {
		t.Fatalf("valid verdict rejected: %q, %v", obj, err)
	}
	if _, err := s.Check(`{"is_todo": "yes"}`); err == nil || !strings.Contains(err.Error(), "schema mismatch") {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
	if _, err := s.Check("yes it is"); err == nil {
		t.Fatal("text without JSON must be rejected")
	}
}

func TestCompileSchema_BadSchema(t *testing.T) {
	if _, err := CompileSchema(json.RawMessage(`{"type": 12}`), 0); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCompleteStructured_RetriesWithFeedback(t *testing.T) {
	s, _ := CompileSchema(verdictSchema, 1)
	eng := &scriptedEngine{replies: []*Completion{{Text: "probably"}, {Text: `{"is_todo": false}`}}}

	v, err := CompleteStructured[verdict](context.Background(), eng, Request{Instructions: "classify", Input: "hello"}, s)
	if err != nil {
		t.Fatalf("CompleteStructured: %v", err)
	}
	if v.IsTodo {
		t.Fatal("decoded verdict should be false")
	}
	if eng.calls() != 2 {
		t.Fatalf("calls = %d, want 2", eng.calls())
	}
	if !strings.Contains(eng.requests[0].Instructions, `"is_todo"`) {
		t.Fatal("schema not injected into instructions")
	}
	if eng.requests[0].Input != "hello" {
		t.Fatalf("first input = %q", eng.requests[0].Input)
	}
	if !strings.Contains(eng.requests[1].Input, "was rejected") || !strings.HasPrefix(eng.requests[1].Input, "hello") {
		t.Fatalf("retry input = %q", eng.requests[1].Input)
	}
}

func TestCompleteStructured_ExhaustedIsMalformed(t *testing.T) {
	s, _ := CompileSchema(verdictSchema, 0)
	eng := &scriptedEngine{replies: []*Completion{{Text: "nope"}}}
	_, err := CompleteStructured[verdict](context.Background(), eng, Request{}, s)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestCompleteStructured_EngineErrorPassesThrough(t *testing.T) {
	s, _ := CompileSchema(verdictSchema, 2)
	boom := errors.New("503 service unavailable")
	eng := &scriptedEngine{errs: []error{boom}}
	if _, err := CompleteStructured[verdict](context.Background(), eng, Request{}, s); !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if eng.calls() != 1 {
		t.Fatalf("engine errors must not be retried here, calls = %d", eng.calls())
	}
}
