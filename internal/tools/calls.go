package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tool names exposed to the reasoning engine.
const (
	NameGetTodos       = "get_todos"
	NameAddTodo        = "add_todo"
	NameAddTodos       = "add_todos"
	NameUpdateTaskName = "update_task_name"
	NameUpdateIsDone   = "update_is_done"
	NameUpdateTodo     = "update_todo"
	NameRescheduleTodo = "reschedule_todo"
	NameDeleteTodos    = "delete_todos"
)

// ErrUnknownTool is returned by Decode for names outside the catalogue.
var ErrUnknownTool = errors.New("unknown tool")

// Call is one decoded tool invocation. The set of implementations is closed;
// Bindings.Execute switches over every variant.
type Call interface {
	ToolName() string
	isCall()
}

// GetTodos lists every task.
type GetTodos struct{}

// AddTodo creates one task. DueDate is optional text in DateLayout or RFC 3339.
type AddTodo struct {
	Name    string `json:"name"`
	IsDone  bool   `json:"is_done,omitempty"`
	DueDate string `json:"due_date,omitempty"`
}

// AddTodos creates several tasks in one batch.
type AddTodos struct {
	Tasks []AddTodo `json:"tasks"`
}

// UpdateTaskName renames the task whose name contains Name.
type UpdateTaskName struct {
	Name    string `json:"name"`
	NewName string `json:"new_name"`
}

// UpdateIsDone sets the completion flag of the task whose name contains Name.
type UpdateIsDone struct {
	Name      string `json:"name"`
	NewStatus bool   `json:"new_status"`
}

// TaskRef identifies a task by (part of) its name.
type TaskRef struct {
	Name string `json:"name"`
}

// TaskPatch lists the fields update_todo may change. Absent fields stay as is.
type TaskPatch struct {
	Name    *string `json:"name,omitempty"`
	IsDone  *bool   `json:"is_done,omitempty"`
	DueDate *string `json:"due_date,omitempty"`
}

// UpdateTodo changes any subset of a task's fields.
type UpdateTodo struct {
	Prev TaskRef   `json:"prev"`
	New  TaskPatch `json:"new"`
}

// RescheduleTodo moves a task's due date.
type RescheduleTodo struct {
	Name    string `json:"name"`
	NewTime string `json:"new_time"`
}

// DeleteTodos removes the task whose name contains Name.
type DeleteTodos struct {
	Name string `json:"name"`
}

func (GetTodos) ToolName() string       { return NameGetTodos }
func (AddTodo) ToolName() string        { return NameAddTodo }
func (AddTodos) ToolName() string       { return NameAddTodos }
func (UpdateTaskName) ToolName() string { return NameUpdateTaskName }
func (UpdateIsDone) ToolName() string   { return NameUpdateIsDone }
func (UpdateTodo) ToolName() string     { return NameUpdateTodo }
func (RescheduleTodo) ToolName() string { return NameRescheduleTodo }
func (DeleteTodos) ToolName() string    { return NameDeleteTodos }

func (GetTodos) isCall()       {}
func (AddTodo) isCall()        {}
func (AddTodos) isCall()       {}
func (UpdateTaskName) isCall() {}
func (UpdateIsDone) isCall()   {}
func (UpdateTodo) isCall()     {}
func (RescheduleTodo) isCall() {}
func (DeleteTodos) isCall()    {}

// Decode turns an engine tool request into its typed variant.
func Decode(name string, args json.RawMessage) (Call, error) {
	var call Call
	var err error
	switch name {
	case NameGetTodos:
		return GetTodos{}, nil
	case NameAddTodo:
		call, err = decodeInto[AddTodo](args)
	case NameAddTodos:
		call, err = decodeInto[AddTodos](args)
	case NameUpdateTaskName:
		call, err = decodeInto[UpdateTaskName](args)
	case NameUpdateIsDone:
		call, err = decodeInto[UpdateIsDone](args)
	case NameUpdateTodo:
		call, err = decodeInto[UpdateTodo](args)
	case NameRescheduleTodo:
		call, err = decodeInto[RescheduleTodo](args)
	case NameDeleteTodos:
		call, err = decodeInto[DeleteTodos](args)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", name, err)
	}
	return call, nil
}

func decodeInto[T Call](args json.RawMessage) (Call, error) {
	var v T
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, err
	}
	return v, nil
}
