package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/todo-agent/internal/engine"
)

// Route names the handler chosen for a request.
type Route string

const (
	RouteManager   Route = "manager"
	RouteOrganizer Route = "organizer"
)

// ErrRoutingFailed means no handler could be chosen for the request.
var ErrRoutingFailed = errors.New("routing failed")

const routerInstructions = `Determine which agent should handle the user's todo request.
- "manager": creates, reads, updates, renames, completes, reschedules or deletes tasks, and answers direct questions about specific tasks.
- "organizer": read-only; lists, filters, groups or categorizes the existing tasks (for example "show what is done", "what is due this week").
Choose exactly one.`

var routerSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"handler": {"type": "string", "enum": ["manager", "organizer"]}},
  "required": ["handler"]
}`)

// Router makes the one-shot choice between the manager and the organizer.
type Router struct {
	eng    engine.Engine
	schema *engine.Schema
}

type routing struct {
	Handler Route `json:"handler"`
}

func NewRouter(eng engine.Engine) (*Router, error) {
	s, err := engine.CompileSchema(routerSchema, 0)
	if err != nil {
		return nil, fmt.Errorf("router schema: %w", err)
	}
	return &Router{eng: eng, schema: s}, nil
}

func (r *Router) Route(ctx context.Context, text string) (Route, error) {
	out, err := engine.CompleteStructured[routing](ctx, r.eng, engine.Request{
		Instructions: routerInstructions,
		Input:        text,
	}, r.schema)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRoutingFailed, err)
	}
	switch out.Handler {
	case RouteManager, RouteOrganizer:
		return out.Handler, nil
	default:
		return "", fmt.Errorf("%w: unknown handler %q", ErrRoutingFailed, out.Handler)
	}
}
