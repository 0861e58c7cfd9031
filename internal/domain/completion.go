package domain

import "context"

// ChatRequest is one assembled completion-service request: the rendered
// system prompt as the first message, then the full persisted history in
// ascending sequence order.
type ChatRequest struct {
	Messages    []Message
	Functions   []FunctionDecl
	Model       string
	MaxTokens   int
	Temperature float64
}

// FunctionDecl declares one callable function to the completion service.
type FunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Candidate is one possible reply returned by the completion service.
type Candidate struct {
	Role    Role
	Payload Payload
}

// Completer is the chat-completion side of the completion service.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) ([]Candidate, error)
}

// Moderator classifies text as flagged or not. Category detail is logged by
// the implementation, not returned.
type Moderator interface {
	Flagged(ctx context.Context, text string) (bool, error)
}
