package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/todo-agent/internal/engine"
	"github.com/basket/todo-agent/internal/persistence"
	"github.com/basket/todo-agent/internal/tools"
)

type reply struct {
	out *engine.Completion
	err error
}

func text(s string) reply { return reply{out: &engine.Completion{Text: s}} }

func failure(err error) reply { return reply{err: err} }

func calls(cs ...engine.ToolCall) reply { return reply{out: &engine.Completion{ToolCalls: cs}} }

func call(name, args string) engine.ToolCall {
	return engine.ToolCall{Ref: name + "-ref", Name: name, Args: json.RawMessage(args)}
}

// fakeEngine answers by pipeline stage, recognised from the instructions.
type fakeEngine struct {
	mu       sync.Mutex
	guard    reply
	route    reply
	turns    []reply
	onTurn   func(engine.Request) (*engine.Completion, error)
	block    bool
	requests []engine.Request
	handler  []engine.Request
}

func stageOf(req engine.Request) string {
	switch {
	case strings.HasPrefix(req.Instructions, guardrailInstructions):
		return "guardrail"
	case strings.HasPrefix(req.Instructions, routerInstructions):
		return "router"
	default:
		return "handler"
	}
}

func (f *fakeEngine) Complete(ctx context.Context, req engine.Request) (*engine.Completion, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	stage := stageOf(req)
	var r reply
	switch stage {
	case "guardrail":
		r = f.guard
	case "router":
		r = f.route
	default:
		i := len(f.handler)
		f.handler = append(f.handler, req)
		if f.onTurn != nil {
			f.mu.Unlock()
			return f.onTurn(req)
		}
		if i < len(f.turns) {
			r = f.turns[i]
		} else {
			r = text("done")
		}
	}
	f.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.out == nil {
		return &engine.Completion{}, nil
	}
	return r.out, nil
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeEngine) handlerRequests() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.handler...)
}

// countingStore wraps a real store and counts calls per operation.
type countingStore struct {
	*persistence.Store
	mu      sync.Mutex
	calls   map[string]int
	listErr error
}

func (c *countingStore) hit(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
}

func (c *countingStore) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingStore) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *countingStore) Insert(ctx context.Context, t persistence.NewTask) (int64, error) {
	c.hit("insert")
	return c.Store.Insert(ctx, t)
}

func (c *countingStore) InsertBatch(ctx context.Context, ts []persistence.NewTask) (int, error) {
	c.hit("insert_batch")
	return c.Store.InsertBatch(ctx, ts)
}

func (c *countingStore) ListAll(ctx context.Context) ([]persistence.Task, error) {
	c.hit("list")
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.Store.ListAll(ctx)
}

func (c *countingStore) FindByNameSubstring(ctx context.Context, p string) (*persistence.Task, int, error) {
	c.hit("find")
	return c.Store.FindByNameSubstring(ctx, p)
}

func (c *countingStore) UpdateFields(ctx context.Context, id int64, u persistence.TaskUpdate) error {
	c.hit("update")
	return c.Store.UpdateFields(ctx, id, u)
}

func (c *countingStore) Delete(ctx context.Context, id int64) error {
	c.hit("delete")
	return c.Store.Delete(ctx, id)
}

var _ tools.Store = (*countingStore)(nil)

func openCountingStore(t *testing.T) *countingStore {
	t.Helper()
	s, err := persistence.Open(context.Background(), persistence.Options{
		Path: filepath.Join(t.TempDir(), "todo.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &countingStore{Store: s, calls: map[string]int{}}
}

// seed inserts tasks directly, bypassing the counters.
func seed(t *testing.T, s *countingStore, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := s.Store.Insert(context.Background(), persistence.NewTask{Name: n}); err != nil {
			t.Fatalf("seed %q: %v", n, err)
		}
	}
}
