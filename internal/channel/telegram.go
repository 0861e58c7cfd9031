package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"horsebot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram implements domain.Channel over the Telegram Bot API. Private
// chats are always answered; group chats only when the bot is addressed by
// its @username.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user ids, empty = allow all

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound("telegram", func(msg domain.Outbound) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid telegram chat id", "chatID", msg.ChatID, "err", err)
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) Stop() error {
	// The poll loop stops when Start's context is cancelled.
	return nil
}

func (t *Telegram) Send(ctx context.Context, chatID, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	t.sendMessage(id, content)
	return nil
}

// Composing shows the "typing..." chat action. Best effort.
func (t *Telegram) Composing(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	_, err = t.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	if !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	private := msg.Chat.IsPrivate()
	addressed := strings.Contains(text, "@"+t.bot.Self.UserName)
	if !private && !addressed {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", msg.From.ID,
		"chat_id", msg.Chat.ID,
		"content_len", len(text),
	)

	t.bus.Publish(domain.Event{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		AuthorID:  strconv.FormatInt(msg.From.ID, 10),
		FromBot:   msg.From.IsBot,
		Content:   text,
		Timestamp: time.Now(),
		Meta:      &telegramMeta{bot: t.bot, msg: msg},
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, content string) {
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			t.logger.Error("telegram send failed", "chat", chatID, "err", err)
		}
	}
}

// telegramMeta performs metadata lookups for one update. Telegram carries
// everything on the update itself, so no live calls are needed.
type telegramMeta struct {
	bot *tgbotapi.BotAPI
	msg *tgbotapi.Message
}

func (tm *telegramMeta) ConversationName(ctx context.Context) (string, error) {
	chat := tm.msg.Chat
	if chat.IsPrivate() {
		return displayName(tm.msg.From), nil
	}
	if chat.Title != "" {
		return "#" + chat.Title, nil
	}
	return "unknown", nil
}

func (tm *telegramMeta) PromptContext(ctx context.Context) (domain.PromptContext, error) {
	pc := domain.PromptContext{
		UserNick: "@" + displayName(tm.msg.From),
		BotNick:  "@" + tm.bot.Self.UserName,
	}
	if !tm.msg.Chat.IsPrivate() {
		pc.ChannelName = "#" + tm.msg.Chat.Title
		pc.ChannelTopic = tm.msg.Chat.Description
	}
	return pc, nil
}

// ResolveMention always fails: Telegram text carries plain @usernames, not
// opaque tokens, so there is nothing to resolve.
func (tm *telegramMeta) ResolveMention(ctx context.Context, token string) (string, error) {
	return "", &domain.GatewayError{Op: "resolve mention", Err: fmt.Errorf("no lookup for token %q", token)}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
