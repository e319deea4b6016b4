package tools

import (
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// ErrCallerDispatched is what a catalogue tool returns if the engine ever
// runs it itself. Tool requests are always handed back and executed through
// Bindings so that dispatch stays sequential and typed.
var ErrCallerDispatched = errors.New("tool is executed by the caller")

// Spec describes one tool offered to the reasoning engine.
type Spec struct {
	Name        string
	Description string
	// ReadOnly tools never mutate the store and may be given to the Organizer.
	ReadOnly bool
	define   func(g *genkit.Genkit) ai.Tool
}

// Define registers the tool's name, description and input schema with g.
func (s Spec) Define(g *genkit.Genkit) ai.Tool {
	return s.define(g)
}

func spec[In Call](name, description string, readOnly bool) Spec {
	return Spec{
		Name:        name,
		Description: description,
		ReadOnly:    readOnly,
		define: func(g *genkit.Genkit) ai.Tool {
			return genkit.DefineTool(g, name, description,
				func(ctx *ai.ToolContext, input In) (string, error) {
					return "", fmt.Errorf("%s: %w", name, ErrCallerDispatched)
				},
			)
		},
	}
}

var catalog = []Spec{
	spec[GetTodos](NameGetTodos,
		"Return every task as a JSON list of {id, name, is_done, due_date}.", true),
	spec[AddTodo](NameAddTodo,
		"Create one task. due_date is 'YYYY-MM-DD HH:MM:SS' in UTC and defaults to now when omitted.", false),
	spec[AddTodos](NameAddTodos,
		"Create several tasks at once. Each item has the same fields as add_todo.", false),
	spec[UpdateTaskName](NameUpdateTaskName,
		"Rename the task whose name contains 'name' to 'new_name'.", false),
	spec[UpdateIsDone](NameUpdateIsDone,
		"Mark the task whose name contains 'name' as done (new_status=true) or not done (false).", false),
	spec[UpdateTodo](NameUpdateTodo,
		"Update any of name, is_done and due_date of the task whose name contains prev.name. Only the fields present in 'new' change.", false),
	spec[RescheduleTodo](NameRescheduleTodo,
		"Set the due date of the task whose name contains 'name'. new_time is 'YYYY-MM-DD HH:MM:SS' in UTC.", false),
	spec[DeleteTodos](NameDeleteTodos,
		"Delete the task whose name contains 'name'.", false),
}

// Catalog returns every tool, in a stable order.
func Catalog() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog)
	return out
}

// ReadOnlyCatalog returns the tools that never mutate the store.
func ReadOnlyCatalog() []Spec {
	var out []Spec
	for _, s := range catalog {
		if s.ReadOnly {
			out = append(out, s)
		}
	}
	return out
}

// Names lists the tool names of specs.
func Names(specs []Spec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}
