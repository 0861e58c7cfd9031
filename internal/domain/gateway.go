package domain

import (
	"context"
	"time"
)

// Event is one inbound gateway message that the adapter's policy (direct
// mention or private message) deemed worth answering.
type Event struct {
	Channel   string   // adapter name, e.g. "discord"
	ChatID    string   // adapter-native channel/chat identifier
	AuthorID  string
	FromBot   bool     // true when the author is a bot account
	Content   string   // raw text, mention tokens intact
	Mentions  []string // raw mention tokens found by the gateway
	Timestamp time.Time
	Meta      EventMeta
}

// EventMeta exposes the live gateway lookups an event needs during reply
// orchestration. Lookup failures surface as *GatewayError.
type EventMeta interface {
	// ConversationName derives the durable conversation name for the event:
	// "#parent:child" for thread children, "#name" for top-level channels,
	// the counterpart's display name for private chats.
	ConversationName(ctx context.Context) (string, error)

	// PromptContext gathers the live metadata rendered into the system prompt.
	PromptContext(ctx context.Context) (PromptContext, error)

	// ResolveMention maps one opaque mention token to a display name.
	ResolveMention(ctx context.Context, token string) (string, error)
}

// PromptContext is the gateway-derived slice of prompt variables. The
// assembler adds the current date itself.
type PromptContext struct {
	ServerName   string
	ChannelName  string
	ChannelTopic string
	UserNick     string // requester display name, "@" prefixed
	BotNick      string // bot display name, "@" prefixed
}

// Outbound is a reply ready for delivery through a gateway adapter.
type Outbound struct {
	Channel string
	ChatID  string
	Content string
}

// MessageBus carries events from gateway adapters to the relay loop and
// replies back out.
type MessageBus interface {
	Publish(ev Event)
	Subscribe() <-chan Event
	SendOutbound(msg Outbound)
	OnOutbound(channel string, handler func(Outbound))
	Close()
}

// Channel is a gateway adapter: an opaque event source and reply sink.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID, content string) error
}

// ComposingSignaler is implemented by adapters that can show a "composing"
// indicator while a reply is being produced. Best effort only.
type ComposingSignaler interface {
	Composing(ctx context.Context, chatID string) error
}
