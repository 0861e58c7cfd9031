package domain

import "context"

// ConversationStore is durable, append-only conversation history plus
// per-conversation settings. All failures surface as *PersistenceError.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, name string) (ConversationID, error)
	Append(ctx context.Context, conv ConversationID, role Role, payload Payload) error
	History(ctx context.Context, conv ConversationID) ([]Message, error)
	Settings(ctx context.Context, conv ConversationID) (Settings, error)
	SetPromptOverride(ctx context.Context, conv ConversationID, text string) error
	Close() error
}
