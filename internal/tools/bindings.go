package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/persistence"
)

// Outcome strings returned to the reasoning engine.
const (
	MsgNotFound       = "Not found the task."
	MsgCreated        = "Created a task."
	MsgCannotCreate   = "Cannot create a task."
	MsgCannotCreateN  = "Cannot create tasks."
	MsgRenamed        = "Renamed the task."
	MsgStatusUpdated  = "Updated the task status."
	MsgUpdated        = "Updated the task."
	MsgRescheduled    = "Rescheduled the task."
	MsgCannotUpdate   = "Cannot update the task."
	MsgDeleted        = "Deleted the task."
	MsgCannotDelete   = "Cannot delete the task."
	MsgCannotList     = "Cannot get the tasks."
	MsgInvalidDate    = "Invalid date format, use YYYY-MM-DD HH:MM:SS."
	MsgNothingToApply = "Nothing to update."
	MsgEmptyName      = "The task name is empty."
)

// OutcomeKind classifies an outcome for logs, metrics and tests.
type OutcomeKind string

const (
	OutcomeOK         OutcomeKind = "ok"
	OutcomeNotFound   OutcomeKind = "not_found"
	OutcomeStoreError OutcomeKind = "store_error"
	OutcomeInvalid    OutcomeKind = "invalid"
)

// Outcome is the text fed back to the engine for one tool call.
type Outcome struct {
	Text string
	Kind OutcomeKind
}

// Store is the task store surface the bindings need.
type Store interface {
	Insert(ctx context.Context, t persistence.NewTask) (int64, error)
	InsertBatch(ctx context.Context, tasks []persistence.NewTask) (int, error)
	ListAll(ctx context.Context) ([]persistence.Task, error)
	FindByNameSubstring(ctx context.Context, pattern string) (*persistence.Task, int, error)
	UpdateFields(ctx context.Context, id int64, u persistence.TaskUpdate) error
	Delete(ctx context.Context, id int64) error
}

// Bindings executes decoded calls against the store. Store and resolution
// errors never escape: every path ends in an Outcome.
type Bindings struct {
	store  Store
	logger *slog.Logger
}

func NewBindings(store Store, logger *slog.Logger) *Bindings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bindings{store: store, logger: logger}
}

// TaskView is the JSON shape of a task in get_todos output and handoff payloads.
type TaskView struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	IsDone  bool   `json:"is_done"`
	DueDate string `json:"due_date"`
}

// Views converts store rows to their JSON shape.
func Views(tasks []persistence.Task) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskView{
			ID:      t.ID,
			Name:    t.Name,
			IsDone:  t.IsDone,
			DueDate: t.DueDate.UTC().Format(persistence.DateLayout),
		})
	}
	return out
}

var dateLayouts = []string{
	persistence.DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDate accepts DateLayout, RFC 3339 and a few shorter forms. Values
// without a zone are UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func optionalDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func ok(text string) Outcome { return Outcome{Text: text, Kind: OutcomeOK} }

func invalid(text string) Outcome { return Outcome{Text: text, Kind: OutcomeInvalid} }

func storeError(text string) Outcome { return Outcome{Text: text, Kind: OutcomeStoreError} }

func notFound() Outcome { return Outcome{Text: MsgNotFound, Kind: OutcomeNotFound} }

// Execute runs one call.
func (b *Bindings) Execute(ctx context.Context, call Call) Outcome {
	switch c := call.(type) {
	case GetTodos:
		return b.getTodos(ctx)
	case AddTodo:
		return b.addTodo(ctx, c)
	case AddTodos:
		return b.addTodos(ctx, c)
	case UpdateTaskName:
		if strings.TrimSpace(c.NewName) == "" {
			return invalid(MsgEmptyName)
		}
		return b.mutate(ctx, c.Name, "todo.rename", MsgRenamed, MsgCannotUpdate, func(id int64) error {
			return b.store.UpdateFields(ctx, id, persistence.TaskUpdate{Name: &c.NewName})
		})
	case UpdateIsDone:
		return b.mutate(ctx, c.Name, "todo.status", MsgStatusUpdated, MsgCannotUpdate, func(id int64) error {
			return b.store.UpdateFields(ctx, id, persistence.TaskUpdate{IsDone: &c.NewStatus})
		})
	case UpdateTodo:
		return b.updateTodo(ctx, c)
	case RescheduleTodo:
		due, err := ParseDate(c.NewTime)
		if err != nil {
			return invalid(MsgInvalidDate)
		}
		return b.mutate(ctx, c.Name, "todo.reschedule", MsgRescheduled, MsgCannotUpdate, func(id int64) error {
			return b.store.UpdateFields(ctx, id, persistence.TaskUpdate{DueDate: &due})
		})
	case DeleteTodos:
		return b.mutate(ctx, c.Name, "todo.delete", MsgDeleted, MsgCannotDelete, func(id int64) error {
			return b.store.Delete(ctx, id)
		})
	default:
		return invalid(fmt.Sprintf("Unsupported tool %T.", call))
	}
}

func (b *Bindings) getTodos(ctx context.Context) Outcome {
	tasks, err := b.store.ListAll(ctx)
	if err != nil {
		b.logger.ErrorContext(ctx, "list tasks failed", "error", err)
		return storeError(MsgCannotList)
	}
	raw, err := json.Marshal(Views(tasks))
	if err != nil {
		return storeError(MsgCannotList)
	}
	return ok(string(raw))
}

func (b *Bindings) addTodo(ctx context.Context, c AddTodo) Outcome {
	if strings.TrimSpace(c.Name) == "" {
		return invalid(MsgEmptyName)
	}
	due, err := optionalDate(c.DueDate)
	if err != nil {
		return invalid(MsgInvalidDate)
	}
	id, err := b.store.Insert(ctx, persistence.NewTask{Name: c.Name, IsDone: c.IsDone, DueDate: due})
	if err != nil {
		b.logger.ErrorContext(ctx, "create task failed", "error", err)
		return storeError(MsgCannotCreate)
	}
	audit.Record(ctx, audit.DecisionAllow, "todo.create", MsgCreated, fmt.Sprintf("id=%d", id))
	return ok(MsgCreated)
}

func (b *Bindings) addTodos(ctx context.Context, c AddTodos) Outcome {
	if len(c.Tasks) == 0 {
		return invalid(MsgCannotCreateN)
	}
	batch := make([]persistence.NewTask, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return invalid(MsgEmptyName)
		}
		due, err := optionalDate(t.DueDate)
		if err != nil {
			return invalid(MsgInvalidDate)
		}
		batch = append(batch, persistence.NewTask{Name: t.Name, IsDone: t.IsDone, DueDate: due})
	}
	n, err := b.store.InsertBatch(ctx, batch)
	if err != nil {
		b.logger.ErrorContext(ctx, "create tasks failed", "count", len(batch), "error", err)
		return storeError(MsgCannotCreateN)
	}
	audit.Record(ctx, audit.DecisionAllow, "todo.create", "batch", fmt.Sprintf("count=%d", n))
	if n == 1 {
		return ok(MsgCreated)
	}
	return ok(fmt.Sprintf("Created %d tasks.", n))
}

func (b *Bindings) updateTodo(ctx context.Context, c UpdateTodo) Outcome {
	var u persistence.TaskUpdate
	if c.New.Name != nil {
		if strings.TrimSpace(*c.New.Name) == "" {
			return invalid(MsgEmptyName)
		}
		u.Name = c.New.Name
	}
	u.IsDone = c.New.IsDone
	if c.New.DueDate != nil {
		due, err := ParseDate(*c.New.DueDate)
		if err != nil {
			return invalid(MsgInvalidDate)
		}
		u.DueDate = &due
	}
	if u.Name == nil && u.IsDone == nil && u.DueDate == nil {
		return invalid(MsgNothingToApply)
	}
	return b.mutate(ctx, c.Prev.Name, "todo.update", MsgUpdated, MsgCannotUpdate, func(id int64) error {
		return b.store.UpdateFields(ctx, id, u)
	})
}

// mutate resolves name to an id and then issues exactly one store call.
// A blank name is never looked up: an empty substring would match every task.
func (b *Bindings) mutate(ctx context.Context, name, action, success, failure string, act func(id int64) error) Outcome {
	name = strings.TrimSpace(name)
	if name == "" {
		return notFound()
	}
	task, candidates, err := b.store.FindByNameSubstring(ctx, name)
	if err != nil {
		b.logger.ErrorContext(ctx, "resolve task failed", "action", action, "error", err)
		return storeError(failure)
	}
	if task == nil {
		return notFound()
	}
	if candidates > 1 {
		b.logger.WarnContext(ctx, "ambiguous task name",
			"action", action,
			"pattern", name,
			"candidates", candidates,
			"resolved_id", task.ID,
		)
	}
	if err := act(task.ID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return notFound()
		}
		b.logger.ErrorContext(ctx, "task mutation failed", "action", action, "task_id", task.ID, "error", err)
		return storeError(failure)
	}
	audit.Record(ctx, audit.DecisionAllow, action, success, fmt.Sprintf("id=%d", task.ID))
	return ok(success)
}
