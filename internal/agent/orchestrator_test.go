package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/engine"
	"github.com/basket/todo-agent/internal/tools"
)

var fixedNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

const (
	allow    = `{"is_todo": true}`
	deny     = `{"is_todo": false}`
	toManage = `{"handler": "manager"}`
	toOrg    = `{"handler": "organizer"}`
)

func newOrchestrator(t *testing.T, eng engine.Engine, store tools.Store, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Engine:        eng,
		Store:         store,
		EngineTimeout: 2 * time.Second,
		MaxTurns:      4,
		Now:           func() time.Time { return fixedNow },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Store: openCountingStore(t)}); err == nil {
		t.Fatal("expected error without engine")
	}
	if _, err := New(Options{Engine: &fakeEngine{}}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestHandle_OffTopicIsRefusedWithoutStoreAccess(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{guard: text(deny)}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "what's the weather today")
	if res.Reply != RefusalMessage {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.State != StateRejected {
		t.Fatalf("state = %s", res.State)
	}
	if store.total() != 0 {
		t.Fatalf("store calls = %d, want 0", store.total())
	}
	if eng.count() != 1 {
		t.Fatalf("engine calls = %d, want only the guardrail", eng.count())
	}
}

func TestHandle_RefusalWritesNoAuditRowToStore(t *testing.T) {
	if err := audit.Init(t.TempDir()); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	store := openCountingStore(t)
	audit.SetSink(store.Store)
	t.Cleanup(func() { _ = audit.Close() })

	before := audit.DenyCount()
	o := newOrchestrator(t, &fakeEngine{guard: text(deny)}, store)
	if res := o.Run(context.Background(), "what's the weather today"); res.State != StateRejected {
		t.Fatalf("state = %s", res.State)
	}
	n, err := store.Store.AuditCount(context.Background(), audit.DecisionDeny)
	if err != nil {
		t.Fatalf("audit count: %v", err)
	}
	if n != 0 {
		t.Fatalf("deny rows in store = %d, want 0", n)
	}
	if got := audit.DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}
}

func TestHandle_NilCompletionFailsRequest(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{
		guard:  text(allow),
		route:  text(toManage),
		onTurn: func(engine.Request) (*engine.Completion, error) { return nil, nil },
	}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "add milk")
	if res.State != StateFailed || res.Reply != FailureMessage {
		t.Fatalf("got %q / %s", res.Reply, res.State)
	}
	if !errors.Is(res.Err, engine.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", res.Err)
	}
}

func TestHandle_BlankMessageIsRejectedWithoutEngine(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{guard: text(allow)}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "   \n")
	if res.Reply != RefusalMessage || res.State != StateRejected {
		t.Fatalf("got %q / %s", res.Reply, res.State)
	}
	if eng.count() != 0 || store.total() != 0 {
		t.Fatalf("engine=%d store=%d, want 0/0", eng.count(), store.total())
	}
}

func TestHandle_GuardrailFailsClosed(t *testing.T) {
	tests := []struct {
		name      string
		guard     reply
		wantReply string
		wantState State
	}{
		{"malformed", text("sure, that is about todos"), RefusalMessage, StateRejected},
		{"schema mismatch", text(`{"is_todo": "yes"}`), RefusalMessage, StateRejected},
		{"unavailable", failure(engine.ErrUnavailable), FailureMessage, StateFailed},
		{"provider error", failure(errors.New("503 service unavailable")), FailureMessage, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openCountingStore(t)
			eng := &fakeEngine{guard: tt.guard, route: text(toManage)}
			o := newOrchestrator(t, eng, store)

			res := o.Run(context.Background(), "add milk")
			if res.Reply != tt.wantReply || res.State != tt.wantState {
				t.Fatalf("got %q / %s", res.Reply, res.State)
			}
			if store.total() != 0 {
				t.Fatalf("store calls = %d, want 0", store.total())
			}
			if eng.count() != 1 {
				t.Fatalf("engine calls = %d, routing must not run", eng.count())
			}
		})
	}
}

func TestHandle_AddTaskDueTomorrow(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		turns: []reply{
			calls(call(tools.NameAddTodo, `{"name":"Pay rent","is_done":false,"due_date":"2025-03-11 09:00:00"}`)),
			text("Created the task 'Pay rent' due tomorrow at 09:00."),
		},
	}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "add a task called 'Pay rent' due tomorrow at 9am")
	if res.State != StateResponding || res.Route != RouteManager {
		t.Fatalf("state=%s route=%s err=%v", res.State, res.Route, res.Err)
	}
	if !strings.Contains(res.Reply, "Created") {
		t.Fatalf("reply = %q", res.Reply)
	}
	if store.count("insert") != 1 {
		t.Fatalf("insert calls = %d", store.count("insert"))
	}

	tasks, err := store.Store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if tasks[0].Name != "Pay rent" || tasks[0].IsDone || !tasks[0].DueDate.Equal(want) {
		t.Fatalf("task = %+v, want due %s", tasks[0], want)
	}

	reqs := eng.handlerRequests()
	if len(reqs) != 2 {
		t.Fatalf("handler turns = %d", len(reqs))
	}
	if !strings.Contains(reqs[0].Instructions, "2025-03-10 14:00:00") {
		t.Fatalf("manager instructions lack the current time: %q", reqs[0].Instructions)
	}
	if len(reqs[0].Tools) != len(tools.Catalog()) {
		t.Fatalf("manager tools = %v", tools.Names(reqs[0].Tools))
	}
	if got := reqs[1].Exchanges; len(got) != 1 || got[0].Result != tools.MsgCreated {
		t.Fatalf("exchanges = %+v", got)
	}
}

func TestHandle_MarkDoneResolvesThenActs(t *testing.T) {
	store := openCountingStore(t)
	seed(t, store, "Pay rent")
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		turns: []reply{
			calls(call(tools.NameUpdateIsDone, `{"name":"Pay rent","new_status":true}`)),
			text("Marked 'Pay rent' as done."),
		},
	}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "mark 'Pay rent' as done")
	if res.State != StateResponding {
		t.Fatalf("state = %s err=%v", res.State, res.Err)
	}
	if store.count("find") != 1 || store.count("update") != 1 {
		t.Fatalf("find=%d update=%d", store.count("find"), store.count("update"))
	}
	tasks, _ := store.Store.ListAll(context.Background())
	if !tasks[0].IsDone {
		t.Fatal("task not marked done")
	}
	if got := eng.handlerRequests()[1].Exchanges[0].Result; got != tools.MsgStatusUpdated {
		t.Fatalf("outcome = %q", got)
	}
}

func TestHandle_DeleteMissingTaskIssuesNoDelete(t *testing.T) {
	store := openCountingStore(t)
	seed(t, store, "Buy milk")
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		turns: []reply{
			calls(call(tools.NameDeleteTodos, `{"name":"Nonexistent task"}`)),
			text(tools.MsgNotFound),
		},
	}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "delete 'Nonexistent task'")
	if res.Reply != tools.MsgNotFound {
		t.Fatalf("reply = %q", res.Reply)
	}
	if store.count("delete") != 0 {
		t.Fatalf("delete calls = %d, want 0", store.count("delete"))
	}
	if got := eng.handlerRequests()[1].Exchanges[0].Result; got != tools.MsgNotFound {
		t.Fatalf("outcome = %q", got)
	}
}

func TestHandle_SequentialToolCallsInOneTurn(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		turns: []reply{
			calls(
				call(tools.NameAddTodo, `{"name":"Water plants"}`),
				call(tools.NameUpdateIsDone, `{"name":"Water plants","new_status":true}`),
			),
			text("Added and completed 'Water plants'."),
		},
	}
	o := newOrchestrator(t, eng, store)

	if res := o.Run(context.Background(), "add water plants, then mark it done"); res.State != StateResponding {
		t.Fatalf("state = %s err=%v", res.State, res.Err)
	}
	ex := eng.handlerRequests()[1].Exchanges
	if len(ex) != 2 || ex[0].Result != tools.MsgCreated || ex[1].Result != tools.MsgStatusUpdated {
		t.Fatalf("exchanges = %+v", ex)
	}
	tasks, _ := store.Store.ListAll(context.Background())
	if len(tasks) != 1 || !tasks[0].IsDone {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestHandle_InvalidToolArgumentsBecomeOutcome(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		turns: []reply{
			calls(call(tools.NameAddTodo, `{"name": 42`)),
			text("I could not add that."),
		},
	}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "add something")
	if res.State != StateResponding {
		t.Fatalf("state = %s", res.State)
	}
	if got := eng.handlerRequests()[1].Exchanges[0].Result; got != "Invalid arguments for add_todo." {
		t.Fatalf("outcome = %q", got)
	}
	if store.total() != 0 {
		t.Fatalf("store calls = %d", store.total())
	}
}

func TestHandle_OrganizerGetsSnapshotAndReadOnlyTools(t *testing.T) {
	store := openCountingStore(t)
	seed(t, store, "Buy milk", "Pay rent")
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toOrg),
		turns: []reply{
			calls(call(tools.NameDeleteTodos, `{"name":"Buy milk"}`)),
			text("You have two open tasks: Buy milk, Pay rent."),
		},
	}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "show my open tasks")
	if res.Route != RouteOrganizer || res.State != StateResponding {
		t.Fatalf("route=%s state=%s err=%v", res.Route, res.State, res.Err)
	}
	reqs := eng.handlerRequests()
	if names := tools.Names(reqs[0].Tools); len(names) != 1 || names[0] != tools.NameGetTodos {
		t.Fatalf("organizer tools = %v", names)
	}
	idx := strings.Index(reqs[0].Input, "[")
	if idx < 0 {
		t.Fatalf("input lacks snapshot: %q", reqs[0].Input)
	}
	var snapshot []tools.TaskView
	if err := json.Unmarshal([]byte(reqs[0].Input[idx:]), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 2 || snapshot[0].Name != "Buy milk" || snapshot[1].Name != "Pay rent" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if got := reqs[1].Exchanges[0].Result; got != msgToolNotAvailable {
		t.Fatalf("outcome = %q", got)
	}
	if store.count("delete") != 0 || store.count("find") != 0 {
		t.Fatalf("organizer touched mutating paths: %v", store.calls)
	}
	if store.count("list") != 1 {
		t.Fatalf("list calls = %d, want the handoff read only", store.count("list"))
	}
}

func TestHandle_OrganizerHandoffFailureIsFatal(t *testing.T) {
	store := openCountingStore(t)
	store.listErr = errors.New("connection reset")
	eng := &fakeEngine{guard: text(allow), route: text(toOrg)}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "group my tasks")
	if res.State != StateFailed || res.Reply != FailureMessage {
		t.Fatalf("got %q / %s", res.Reply, res.State)
	}
	if len(eng.handlerRequests()) != 0 {
		t.Fatal("organizer must not run after a failed handoff")
	}
}

func TestHandle_RoutingFailure(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{guard: text(allow), route: text(`{"handler": "both"}`)}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "add milk")
	if res.State != StateFailed || res.Reply != FailureMessage {
		t.Fatalf("got %q / %s", res.Reply, res.State)
	}
	if !errors.Is(res.Err, ErrRoutingFailed) {
		t.Fatalf("err = %v", res.Err)
	}
	if store.total() != 0 {
		t.Fatalf("store calls = %d", store.total())
	}
}

func TestHandle_TurnLimit(t *testing.T) {
	store := openCountingStore(t)
	loop := calls(call(tools.NameGetTodos, `{}`))
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		turns: []reply{loop, loop, loop, loop},
	}
	o := newOrchestrator(t, eng, store, func(o *Options) { o.MaxTurns = 2 })

	res := o.Run(context.Background(), "list everything forever")
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !errors.Is(res.Err, ErrTurnLimit) {
		t.Fatalf("err = %v", res.Err)
	}
	if len(eng.handlerRequests()) != 2 {
		t.Fatalf("handler turns = %d", len(eng.handlerRequests()))
	}
}

func TestHandle_EmptyFinalAnswerFails(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{guard: text(allow), route: text(toManage), turns: []reply{text("  ")}}
	o := newOrchestrator(t, eng, store)

	res := o.Run(context.Background(), "add milk")
	if res.State != StateFailed || !errors.Is(res.Err, engine.ErrMalformed) {
		t.Fatalf("state=%s err=%v", res.State, res.Err)
	}
}

func TestHandle_EngineTimeoutFails(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{block: true}
	o := newOrchestrator(t, eng, store, func(o *Options) { o.EngineTimeout = 20 * time.Millisecond })

	start := time.Now()
	res := o.Run(context.Background(), "add milk")
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced: %s", time.Since(start))
	}
	if res.State != StateFailed || res.Reply != FailureMessage {
		t.Fatalf("got %q / %s", res.Reply, res.State)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestHandle_TraceIDAssigned(t *testing.T) {
	o := newOrchestrator(t, &fakeEngine{guard: text(deny)}, openCountingStore(t))
	a := o.Run(context.Background(), "hello")
	b := o.Run(context.Background(), "hello")
	if a.TraceID == "" || a.TraceID == "-" || a.TraceID == b.TraceID {
		t.Fatalf("trace ids %q %q", a.TraceID, b.TraceID)
	}
}

func TestHandle_ConcurrentRequests(t *testing.T) {
	store := openCountingStore(t)
	eng := &fakeEngine{
		guard: text(allow),
		route: text(toManage),
		onTurn: func(req engine.Request) (*engine.Completion, error) {
			if len(req.Exchanges) > 0 {
				return &engine.Completion{Text: req.Exchanges[0].Result}, nil
			}
			args, _ := json.Marshal(tools.AddTodo{Name: req.Input})
			return &engine.Completion{ToolCalls: []engine.ToolCall{{Name: tools.NameAddTodo, Args: args}}}, nil
		},
	}
	o := newOrchestrator(t, eng, store)

	const n = 12
	var wg sync.WaitGroup
	replies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = o.Handle(context.Background(), fmt.Sprintf("task %02d", i))
		}(i)
	}
	wg.Wait()

	for i, r := range replies {
		if r != tools.MsgCreated {
			t.Fatalf("reply %d = %q", i, r)
		}
	}
	tasks, err := store.Store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != n {
		t.Fatalf("tasks = %d, want %d", len(tasks), n)
	}
}
