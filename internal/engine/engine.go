// Package engine is the boundary to the reasoning engine: given instructions,
// a tool catalogue and input, it returns either final text or tool requests.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/basket/todo-agent/internal/tools"
)

var (
	// ErrUnavailable means no provider can serve the call (missing key,
	// every breaker tripped).
	ErrUnavailable = errors.New("reasoning engine unavailable")
	// ErrMalformed means the engine answered but not in the required shape.
	ErrMalformed = errors.New("malformed engine response")
)

// ToolCall is a tool invocation requested by the engine.
type ToolCall struct {
	Ref  string
	Name string
	Args json.RawMessage
}

// Exchange is a tool call that has already been executed, with its outcome.
type Exchange struct {
	Call   ToolCall
	Result string
}

// Request is one completion call.
type Request struct {
	Instructions string
	Tools        []tools.Spec
	Input        string
	// Exchanges replays the tool calls made earlier in the same request, in order.
	Exchanges []Exchange
}

// Completion is the engine's answer: final text, tool requests, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Engine is implemented by GenkitEngine and FailoverEngine, and by scripted
// fakes in tests.
type Engine interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
