package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/todo-agent/internal/agent"
	"github.com/basket/todo-agent/internal/bus"
	"github.com/basket/todo-agent/internal/persistence"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
)

// Asker runs one request through the todo pipeline.
type Asker interface {
	Run(ctx context.Context, text string) agent.Result
}

// TodoLister is the read-only store surface the chat needs for /todos and
// the side panel.
type TodoLister interface {
	ListAll(ctx context.Context) ([]persistence.Task, error)
}

// ChatConfig holds the dependencies for the chat UI and the line REPL.
type ChatConfig struct {
	Agent      Asker
	Store      TodoLister
	EventBus   *bus.Bus // nil = the todo panel only refreshes after own requests
	ModelName  string
	CancelFunc context.CancelFunc
}

// RunChat runs the full-screen chat on stdin/stdout. It blocks until the
// user quits or ctx is cancelled.
func RunChat(ctx context.Context, cc ChatConfig) error {
	m := newChatModel(ctx, cc, uuid.NewString())
	return runChatTUI(ctx, m, cc.CancelFunc)
}

// RunREPL is the plain line loop used when stdin is not a terminal. Each
// line is one request; "quit" exits.
func RunREPL(ctx context.Context, cc ChatConfig, in io.Reader, out io.Writer) error {
	sessionID := uuid.NewString()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") || isQuit(line) {
			if handleCommand(ctx, line, &cc, out) {
				return nil
			}
			continue
		}
		res := cc.Agent.Run(chatContext(ctx, sessionID), line)
		fmt.Fprintln(out, res.Reply)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func chatContext(ctx context.Context, sessionID string) context.Context {
	return shared.WithSessionID(shared.WithChannel(ctx, "cli"), sessionID)
}

func isQuit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "quit", "exit":
		return true
	}
	return false
}

// handleCommand processes a slash command or the bare quit word. Returns
// true if the chat should exit.
func handleCommand(ctx context.Context, line string, cc *ChatConfig, out io.Writer) bool {
	if isQuit(line) {
		return true
	}
	cmd := strings.ToLower(strings.Fields(line)[0])

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprintln(out, "  Commands:")
		fmt.Fprintln(out, "    /todos     Show the todo list")
		fmt.Fprintln(out, "    /help      Show this help message")
		fmt.Fprintln(out, "    /quit      Exit the chat (or type quit)")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Anything else is sent to the assistant, e.g. \"add buy milk due tomorrow\".")

	case "/todos":
		if cc.Store == nil {
			fmt.Fprintln(out, "Store not available.")
			return false
		}
		tasks, err := cc.Store.ListAll(ctx)
		if err != nil {
			fmt.Fprintf(out, "Error: %s\n", humanError(err))
			return false
		}
		fmt.Fprint(out, formatTodoList(tools.Views(tasks)))

	default:
		fmt.Fprintf(out, "Unknown command: %s (try /help)\n", cmd)
	}
	return false
}

func formatTodoList(views []tools.TaskView) string {
	if len(views) == 0 {
		return "No todos yet.\n"
	}
	var b strings.Builder
	for _, v := range views {
		mark := " "
		if v.IsDone {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %3d  %-30s  %s\n", mark, v.ID, v.Name, v.DueDate)
	}
	return b.String()
}
