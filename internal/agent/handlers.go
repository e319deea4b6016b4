package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/todo-agent/internal/persistence"
	"github.com/basket/todo-agent/internal/tools"
)

// handler is a tool-using stage: fixed instructions plus the tools it may call.
type handler struct {
	route        Route
	instructions string
	tools        []tools.Spec
}

const managerInstructions = `You are a helpful todo manager. Only act through the provided tools. You do nothing except todo management.
The current UTC time is %s. Resolve relative dates such as "tomorrow at 9am" against it.
Pass due dates as "YYYY-MM-DD HH:MM:SS" in UTC. Refer to tasks by their name.
When a tool reports "Not found the task." tell the user the task was not found.
After the tools have run, reply with a short summary of what was done.`

const organizerInstructions = `You are a smart todo organizer. Only act through the provided tools. You do nothing except organizing the todo list.
Only show the requested category. Show all tasks by default.
The current todo list is given below the user's request as a JSON array of {id, name, is_done, due_date}; due dates are UTC.
You cannot change tasks.`

func managerHandler(now time.Time) handler {
	return handler{
		route:        RouteManager,
		instructions: fmt.Sprintf(managerInstructions, now.UTC().Format(persistence.DateLayout)),
		tools:        tools.Catalog(),
	}
}

func organizerHandler() handler {
	return handler{
		route:        RouteOrganizer,
		instructions: organizerInstructions,
		tools:        tools.ReadOnlyCatalog(),
	}
}

// organizerInput appends the handoff snapshot to the user's text.
func organizerInput(text string, snapshot []persistence.Task) (string, error) {
	raw, err := json.Marshal(tools.Views(snapshot))
	if err != nil {
		return "", fmt.Errorf("encode handoff: %w", err)
	}
	return text + "\n\nCurrent todos:\n" + string(raw), nil
}

func (h handler) allows(name string) bool {
	for _, s := range h.tools {
		if s.Name == name {
			return true
		}
	}
	return false
}
