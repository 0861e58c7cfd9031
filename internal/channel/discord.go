package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"horsebot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel over the Discord gateway. It publishes
// an event for every message that mentions the bot or arrives in a DM, and
// exposes the metadata lookups the relay needs through a per-event
// domain.EventMeta.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token   string
	GuildID string // optional: restrict to one guild
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with a bot token and listens until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuilds
	d.session = session

	bus.OnOutbound("discord", func(msg domain.Outbound) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(s, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error {
	// The session closes when Start's context is cancelled.
	return nil
}

func (d *Discord) Send(ctx context.Context, chatID, content string) error {
	d.sendMessage(chatID, content)
	return nil
}

// Composing shows the typing indicator. Best effort.
func (d *Discord) Composing(ctx context.Context, chatID string) error {
	return d.session.ChannelTyping(chatID)
}

// handleMessage applies the reply policy: ignore bots, answer direct
// mentions and DMs only.
func (d *Discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}

	dm := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			mentioned = true
			break
		}
	}
	if !mentioned && !dm {
		return
	}

	mentions := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		mentions = append(mentions, "<@"+u.ID+">")
	}

	d.logger.Info("discord message received",
		"author", m.Author.Username,
		"channel_id", m.ChannelID,
		"dm", dm,
		"content_len", len(m.Content),
	)

	d.bus.Publish(domain.Event{
		Channel:   "discord",
		ChatID:    m.ChannelID,
		AuthorID:  m.Author.ID,
		FromBot:   m.Author.Bot,
		Content:   m.Content,
		Mentions:  mentions,
		Timestamp: time.Now(),
		Meta:      &discordMeta{session: s, msg: m},
	})
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

// discordMeta performs the live gateway lookups for one message event.
type discordMeta struct {
	session *discordgo.Session
	msg     *discordgo.MessageCreate
}

func (dm *discordMeta) channel(id string) (*discordgo.Channel, error) {
	if ch, err := dm.session.State.Channel(id); err == nil {
		return ch, nil
	}
	return dm.session.Channel(id)
}

// ConversationName derives the durable conversation name: thread children
// are "#parent:child", top-level channels "#name", DMs the counterpart's
// display name.
func (dm *discordMeta) ConversationName(ctx context.Context) (string, error) {
	ch, err := dm.channel(dm.msg.ChannelID)
	if err != nil {
		return "", &domain.GatewayError{Op: "channel lookup", Err: err}
	}

	switch {
	case ch.Type == discordgo.ChannelTypeDM:
		if len(ch.Recipients) > 0 {
			return ch.Recipients[0].Username, nil
		}
		return dm.msg.Author.Username, nil
	case ch.IsThread():
		parent, err := dm.channel(ch.ParentID)
		if err != nil {
			return "", &domain.GatewayError{Op: "parent channel lookup", Err: err}
		}
		return "#" + parent.Name + ":" + ch.Name, nil
	case ch.Name != "":
		return "#" + ch.Name, nil
	}
	return "unknown", nil
}

func (dm *discordMeta) PromptContext(ctx context.Context) (domain.PromptContext, error) {
	pc := domain.PromptContext{}

	ch, err := dm.channel(dm.msg.ChannelID)
	if err != nil {
		return pc, &domain.GatewayError{Op: "channel lookup", Err: err}
	}
	if ch.Type != discordgo.ChannelTypeDM {
		pc.ChannelName = ch.Name
		pc.ChannelTopic = ch.Topic
	}

	if dm.msg.GuildID != "" {
		guild, err := dm.session.State.Guild(dm.msg.GuildID)
		if err != nil {
			guild, err = dm.session.Guild(dm.msg.GuildID)
		}
		if err != nil {
			return pc, &domain.GatewayError{Op: "guild lookup", Err: err}
		}
		pc.ServerName = guild.Name
	}

	userNick, err := dm.nickname(dm.msg.Author.ID, dm.msg.Author.Username)
	if err != nil {
		return pc, err
	}
	pc.UserNick = "@" + userNick

	bot := dm.session.State.User
	botNick, err := dm.nickname(bot.ID, bot.Username)
	if err != nil {
		return pc, err
	}
	pc.BotNick = "@" + botNick

	return pc, nil
}

// nickname prefers the guild nickname and falls back to the username.
func (dm *discordMeta) nickname(userID, username string) (string, error) {
	if dm.msg.GuildID == "" {
		return username, nil
	}
	member, err := dm.session.GuildMember(dm.msg.GuildID, userID)
	if err != nil {
		return "", &domain.GatewayError{Op: "member lookup", Err: err}
	}
	if member.Nick != "" {
		return member.Nick, nil
	}
	return username, nil
}

// ResolveMention maps a "<@12345>" token to the participant's display name.
func (dm *discordMeta) ResolveMention(ctx context.Context, token string) (string, error) {
	id := strings.TrimSuffix(strings.TrimPrefix(token, "<@"), ">")
	if id == "" || id == token {
		return "", &domain.GatewayError{Op: "resolve mention", Err: fmt.Errorf("malformed token %q", token)}
	}

	user, err := dm.session.User(id)
	if err != nil {
		return "", &domain.GatewayError{Op: "user lookup", Err: err}
	}
	nick, err := dm.nickname(user.ID, user.Username)
	if err != nil {
		return "", err
	}
	return nick, nil
}
