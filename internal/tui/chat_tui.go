package tui

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/todo-agent/internal/agent"
	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/bus"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
)

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleSystem    chatRole = "system"
)

// Panel is shown beside the chat only when the terminal is wide enough.
const (
	panelWidth    = 38
	minPanelWidth = 90
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	hintStyle      = lipgloss.NewStyle().Faint(true)
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	rejectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	doneStyle      = lipgloss.NewStyle().Strikethrough(true).Faint(true)
	statusStyle    = lipgloss.NewStyle().Reverse(true)
	panelStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1).
			Width(panelWidth)
)

type chatEntry struct {
	role  chatRole
	text  string
	state agent.State
}

type agentReplyMsg struct {
	res agent.Result
}

type todosMsg struct {
	views []tools.TaskView
	err   error
}

type todoChangedMsg struct{}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

type chatModel struct {
	ctx context.Context
	cc  ChatConfig

	sessionID string

	width  int
	height int

	history    []chatEntry
	thinking   bool
	spinnerIdx int

	editor lineEditor

	todos     []tools.TaskView
	todosErr  string
	lastTrace string
	sub       *bus.Subscription
}

func newChatModel(ctx context.Context, cc ChatConfig, sessionID string) chatModel {
	m := chatModel{
		ctx:       ctx,
		cc:        cc,
		sessionID: sessionID,
	}
	if cc.EventBus != nil {
		m.sub = cc.EventBus.Subscribe()
	}
	m.history = append(m.history, chatEntry{
		role: chatRoleSystem,
		text: "Ask me to add, update, reschedule, delete or organize your todos. Type /help for commands.",
	})
	return m
}

func runChatTUI(ctx context.Context, m chatModel, cancel context.CancelFunc) error {
	// Bubble Tea restores the terminal on a clean exit only.
	defer bestEffortResetTTY()
	if m.sub != nil {
		defer m.cc.EventBus.Unsubscribe(m.sub)
	}

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cancel != nil {
		cancel()
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), loadTodosCmd(m.ctx, m.cc.Store)}
	if m.sub != nil {
		cmds = append(cmds, waitForTodoChange(m.sub))
	}
	return tea.Batch(cmds...)
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

func loadTodosCmd(ctx context.Context, store TodoLister) tea.Cmd {
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		tasks, err := store.ListAll(ctx)
		if err != nil {
			return todosMsg{err: err}
		}
		return todosMsg{views: tools.Views(tasks)}
	}
}

// waitForTodoChange blocks until the store publishes a change.
func waitForTodoChange(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-sub.C(); !ok {
			return nil
		}
		return todoChangedMsg{}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case todoChangedMsg:
		return m, tea.Batch(loadTodosCmd(m.ctx, m.cc.Store), waitForTodoChange(m.sub))

	case todosMsg:
		if msg.err != nil {
			m.todosErr = humanError(msg.err)
			return m, nil
		}
		m.todos = msg.views
		m.todosErr = ""
		return m, nil

	case agentReplyMsg:
		m.thinking = false
		m.lastTrace = msg.res.TraceID
		m.history = append(m.history, chatEntry{role: chatRoleAssistant, text: msg.res.Reply, state: msg.res.State})
		if m.ctx.Err() != nil {
			return m, tea.Quit
		}
		// Without a bus the panel would go stale after our own changes.
		if m.sub == nil {
			return m, loadTodosCmd(m.ctx, m.cc.Store)
		}
		return m, nil

	case spinnerTickMsg:
		if m.thinking {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit
	case "enter", "ctrl+m", "ctrl+j":
		return m.submit()
	}
	// Typing stays possible while a request runs; only Enter is blocked.
	m.editor.apply(msg)
	return m, nil
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	if m.thinking {
		return m, nil
	}
	line := m.editor.commit()
	if line == "" {
		return m, nil
	}

	if strings.HasPrefix(line, "/") || isQuit(line) {
		var buf bytes.Buffer
		shouldExit := handleCommand(m.ctx, line, &m.cc, &buf)
		if shouldExit {
			return m, tea.Quit
		}
		if out := strings.TrimRight(buf.String(), "\n"); out != "" {
			m.history = append(m.history, chatEntry{role: chatRoleSystem, text: out})
		}
		return m, nil
	}

	m.history = append(m.history, chatEntry{role: chatRoleUser, text: line})
	m.thinking = true
	return m, tea.Batch(respondCmd(m.ctx, m.cc, m.sessionID, line), waitForSpinner())
}

func respondCmd(ctx context.Context, cc ChatConfig, sessionID, prompt string) tea.Cmd {
	return func() tea.Msg {
		if cc.Agent == nil {
			return agentReplyMsg{res: agent.Result{Reply: agent.FailureMessage, State: agent.StateFailed}}
		}
		reqCtx := chatContext(ctx, sessionID)
		res := cc.Agent.Run(reqCtx, prompt)
		slog.DebugContext(shared.WithTraceID(reqCtx, res.TraceID), "tui: request handled", "state", res.State)
		return agentReplyMsg{res: res}
	}
}

func (m chatModel) View() string {
	var b strings.Builder

	model := m.cc.ModelName
	if model == "" {
		model = "default model"
	}
	b.WriteString(headerStyle.Render("todo agent") + hintStyle.Render(" · "+model))
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("Type a request. /help for commands, quit or Ctrl+D to exit."))
	b.WriteString("\n\n")

	chatWidth := m.width
	showPanel := m.width >= minPanelWidth
	if showPanel {
		chatWidth = m.width - panelWidth - 4
	}

	hLines := m.renderHistoryLines(chatWidth)
	available := m.height - 7 // header + hint + blank + blank + input + spinner + status
	if available < 3 {
		available = 3
	}
	if len(hLines) > available {
		hLines = hLines[len(hLines)-available:]
	}
	chat := strings.Join(hLines, "\n")
	if showPanel {
		chat = lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Width(chatWidth).Render(chat),
			"  ",
			m.renderPanel(),
		)
	}
	b.WriteString(chat)
	b.WriteString("\n\n")

	b.WriteString("> ")
	b.WriteString(m.editor.render())
	b.WriteString("\n")
	if m.thinking {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(fmt.Sprintf("%s thinking...\n", spin))
	} else {
		b.WriteString("\n")
	}
	b.WriteString(statusStyle.Render(m.statusLine()))
	b.WriteString("\n")
	return b.String()
}

func (m chatModel) statusLine() string {
	open, done := 0, 0
	for _, v := range m.todos {
		if v.IsDone {
			done++
		} else {
			open++
		}
	}
	line := fmt.Sprintf(" open:%d done:%d denied:%d ", open, done, audit.DenyCount())
	if m.lastTrace != "" {
		line += "trace:" + m.lastTrace + " "
	}
	return line
}

func (m chatModel) renderPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Todos"))
	b.WriteString("\n")
	switch {
	case m.todosErr != "":
		b.WriteString(failedStyle.Render(m.todosErr))
	case len(m.todos) == 0:
		b.WriteString(hintStyle.Render("Nothing to do."))
	default:
		for i, v := range m.todos {
			if i > 0 {
				b.WriteString("\n")
			}
			line := fmt.Sprintf("%d. %s", v.ID, v.Name)
			if v.IsDone {
				line = doneStyle.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
			b.WriteString(hintStyle.Render("   " + v.DueDate))
		}
	}
	return panelStyle.Render(b.String())
}

func (m chatModel) renderHistoryLines(width int) []string {
	lines := make([]string, 0, len(m.history)*2)
	for _, e := range m.history {
		switch e.role {
		case chatRoleUser:
			lines = append(lines, wrapWithPrefix(e.text, "You: ", userStyle, lipgloss.NewStyle(), width)...)
		case chatRoleAssistant:
			body := lipgloss.NewStyle()
			switch e.state {
			case agent.StateRejected:
				body = rejectedStyle
			case agent.StateFailed:
				body = failedStyle
			}
			lines = append(lines, wrapWithPrefix(e.text, "Agent: ", assistantStyle, body, width)...)
		default:
			for _, l := range strings.Split(e.text, "\n") {
				lines = append(lines, systemStyle.Render(l))
			}
		}
	}
	return lines
}

// wrapWithPrefix hard-wraps text to width, styling the prefix of the first
// line and every body segment. Continuation lines are indented to match.
func wrapWithPrefix(text, prefix string, prefixStyle, bodyStyle lipgloss.Style, width int) []string {
	indent := strings.Repeat(" ", len(prefix))
	avail := width - len(prefix)
	if width <= 0 || avail < 10 {
		avail = 0
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for avail > 0 && len(runes) > avail {
			out = append(out, string(runes[:avail]))
			runes = runes[avail:]
		}
		out = append(out, string(runes))
	}
	for i := range out {
		lead := indent
		if i == 0 {
			lead = prefixStyle.Render(prefix)
		}
		out[i] = lead + bodyStyle.Render(out[i])
	}
	return out
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}
