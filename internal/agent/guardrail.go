package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/todo-agent/internal/engine"
)

const guardrailInstructions = `You are a guardrail for a todo list assistant.
Decide whether the user's message is about managing or viewing their todo list:
adding, listing, filtering, renaming, completing, rescheduling or deleting tasks.
Set is_todo to true only for such messages.`

var guardrailSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"is_todo": {"type": "boolean"}},
  "required": ["is_todo"]
}`)

// Decision is the guardrail's verdict for one message.
type Decision struct {
	Allow bool
	Info  string
	// Err is set when the engine could not be consulted. Allow is false.
	Err error
}

// Guardrail classifies whether a message is in the todo domain. It fails
// closed: any error or malformed classification denies the message.
type Guardrail struct {
	eng    engine.Engine
	schema *engine.Schema
}

type verdict struct {
	IsTodo bool `json:"is_todo"`
}

func NewGuardrail(eng engine.Engine) (*Guardrail, error) {
	s, err := engine.CompileSchema(guardrailSchema, 0)
	if err != nil {
		return nil, fmt.Errorf("guardrail schema: %w", err)
	}
	return &Guardrail{eng: eng, schema: s}, nil
}

func (g *Guardrail) Check(ctx context.Context, text string) Decision {
	if strings.TrimSpace(text) == "" {
		return Decision{Allow: false, Info: "empty message"}
	}
	v, err := engine.CompleteStructured[verdict](ctx, g.eng, engine.Request{
		Instructions: guardrailInstructions,
		Input:        text,
	}, g.schema)
	if err != nil {
		if errors.Is(err, engine.ErrMalformed) {
			return Decision{Allow: false, Info: "malformed classification"}
		}
		return Decision{Allow: false, Info: "engine error", Err: err}
	}
	if !v.IsTodo {
		return Decision{Allow: false, Info: "off topic"}
	}
	return Decision{Allow: true, Info: "todo request"}
}
