package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/todo-agent/internal/bus"
	"github.com/basket/todo-agent/internal/persistence"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
)

const (
	msgWelcome = "Hi! Tell me what to add, change or look up on your todo list."
	msgNoTodos = "Your todo list is empty."
	msgHelp    = "/todos shows the list. Anything else is sent to the assistant."
)

// TodoLister is the read-only store surface used by the /todos command.
type TodoLister interface {
	ListAll(ctx context.Context) ([]persistence.Task, error)
}

// botAPI is the subset of *tgbotapi.BotAPI the channel uses after start-up.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramChannel implements the Channel interface for Telegram. Every text
// message from an allowed user becomes one pipeline request.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	agent      Asker
	store      TodoLister
	logger     *slog.Logger
	eventBus   *bus.Bus
	bot        botAPI

	inflight sync.WaitGroup

	chatsMu sync.Mutex
	chats   map[int64]struct{} // chats that talked to us, for change notices
}

// NewTelegramChannel creates a new Telegram channel. eventBus may be nil.
func NewTelegramChannel(token string, allowedIDs []int64, agent Asker, store TodoLister, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		agent:      agent,
		store:      store,
		logger:     logger.With("component", "telegram"),
		eventBus:   eventBus,
		chats:      make(map[int64]struct{}),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	if t.eventBus != nil {
		go t.forwardChanges(ctx)
	}
	defer t.inflight.Wait()

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or the
// long poll stalls. A nil return means ctx was cancelled.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi long-polls for 60s and blocks rather than closing on a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if !t.allowed(update.Message.From.ID) {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			msg := update.Message
			t.inflight.Add(1)
			go func() {
				defer t.inflight.Done()
				t.handleMessage(ctx, msg)
			}()
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// allowed reports whether userID may use the bot. An empty allowlist admits nobody.
func (t *TelegramChannel) allowed(userID int64) bool {
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	t.rememberChat(msg.Chat.ID)

	switch command(content) {
	case "start":
		t.reply(msg.Chat.ID, msgWelcome)
		return
	case "help":
		t.reply(msg.Chat.ID, msgHelp)
		return
	case "todos":
		t.replyMarkdown(msg.Chat.ID, t.listTodos(ctx))
		return
	}

	if _, err := t.bot.Request(tgbotapi.NewChatAction(msg.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("telegram typing action failed", "error", err)
	}

	reqCtx := shared.WithChannel(ctx, "telegram")
	reqCtx = shared.WithSessionID(reqCtx, fmt.Sprintf("telegram-%d", msg.From.ID))
	res := t.agent.Run(reqCtx, content)
	t.reply(msg.Chat.ID, res.Reply)
}

func (t *TelegramChannel) listTodos(ctx context.Context) string {
	tasks, err := t.store.ListAll(ctx)
	if err != nil {
		t.logger.Error("telegram list todos failed", "error", err)
		return escapeMarkdownV2(tools.MsgCannotList)
	}
	return formatTodos(tools.Views(tasks))
}

// forwardChanges tells every known chat when the list changes from another surface.
func (t *TelegramChannel) forwardChanges(ctx context.Context) {
	sub := t.eventBus.Subscribe()
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C():
			if !ok {
				return
			}
			// Changes made through telegram are already answered in the chat.
			if change.Channel == "telegram" {
				continue
			}
			text := changeNotice(change)
			for _, chatID := range t.knownChats() {
				t.reply(chatID, text)
			}
		}
	}
}

func (t *TelegramChannel) rememberChat(chatID int64) {
	t.chatsMu.Lock()
	defer t.chatsMu.Unlock()
	t.chats[chatID] = struct{}{}
}

func (t *TelegramChannel) knownChats() []int64 {
	t.chatsMu.Lock()
	defer t.chatsMu.Unlock()
	out := make([]int64, 0, len(t.chats))
	for id := range t.chats {
		out = append(out, id)
	}
	return out
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram markdown reply", "error", err)
	}
}

// command returns the bot command in text ("/todos@mybot" -> "todos"), or "".
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	name := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}

func formatTodos(views []tools.TaskView) string {
	if len(views) == 0 {
		return escapeMarkdownV2(msgNoTodos)
	}
	var b strings.Builder
	b.WriteString("*Todos*\n")
	for _, v := range views {
		mark := "☐"
		if v.IsDone {
			mark = "☑"
		}
		fmt.Fprintf(&b, "%s `%d` %s _%s_\n", mark, v.ID, escapeMarkdownV2(v.Name), escapeMarkdownV2(v.DueDate))
	}
	return strings.TrimRight(b.String(), "\n")
}

func changeNotice(c bus.Change) string {
	noun := "task"
	if len(c.IDs) != 1 {
		noun = "tasks"
	}
	return fmt.Sprintf("Todo list changed: %d %s %s.", len(c.IDs), noun, c.Op)
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
