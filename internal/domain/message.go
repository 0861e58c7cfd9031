package domain

import (
	"encoding/json"
	"fmt"
)

// ConversationID identifies one durable conversation in the store.
// IDs are assigned by the store and stable for the store's lifetime.
type ConversationID int64

// Role is the speaker category of a message. The numeric values are the
// persisted form and must never be renumbered.
type Role int8

const (
	RoleSystem Role = iota
	RoleUser
	RoleAssistant
	RoleFunction
)

// Wire returns the completion-service vocabulary for the role.
func (r Role) Wire() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleFunction:
		return "function"
	}
	return fmt.Sprintf("role(%d)", int8(r))
}

func (r Role) String() string { return r.Wire() }

// RoleFromWire maps the completion-service vocabulary back to a Role.
func RoleFromWire(s string) (Role, error) {
	switch s {
	case "system":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "function":
		return RoleFunction, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// RoleFromStored validates the compact persisted form.
func RoleFromStored(v int64) (Role, error) {
	if v < int64(RoleSystem) || v > int64(RoleFunction) {
		return 0, fmt.Errorf("invalid stored role %d", v)
	}
	return Role(v), nil
}

// Payload is the content of a message: either literal text or a structured
// function invocation. The two cases are deliberately separate types; code
// that handles messages must switch on the case rather than probe optional
// fields.
type Payload interface {
	isPayload()

	// PlainText is the human-readable rendering used for moderation,
	// mention encoding and gateway delivery.
	PlainText() string
}

// TextMessage is a plain text payload.
type TextMessage struct {
	Text string
}

// FunctionInvocation is a structured function-call payload: a function name
// plus its raw argument encoding as produced by the completion service.
type FunctionInvocation struct {
	Name      string
	Arguments string
}

func (TextMessage) isPayload()        {}
func (FunctionInvocation) isPayload() {}

func (p TextMessage) PlainText() string { return p.Text }

func (p FunctionInvocation) PlainText() string {
	return fmt.Sprintf("%s(%s)", p.Name, p.Arguments)
}

// storedPayload is the self-describing blob form of a Payload. Text and
// function payloads must stay distinguishable on read, so both cases carry
// an explicit type tag.
type storedPayload struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// EncodePayload renders a payload as its persisted blob form.
func EncodePayload(p Payload) (string, error) {
	var sp storedPayload
	switch v := p.(type) {
	case TextMessage:
		sp = storedPayload{Type: "text", Text: v.Text}
	case FunctionInvocation:
		sp = storedPayload{Type: "function", Name: v.Name, Arguments: v.Arguments}
	default:
		return "", fmt.Errorf("unknown payload type %T", p)
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePayload parses the persisted blob form back into a Payload.
func DecodePayload(blob string) (Payload, error) {
	var sp storedPayload
	if err := json.Unmarshal([]byte(blob), &sp); err != nil {
		return nil, fmt.Errorf("malformed payload blob: %w", err)
	}
	switch sp.Type {
	case "text":
		return TextMessage{Text: sp.Text}, nil
	case "function":
		return FunctionInvocation{Name: sp.Name, Arguments: sp.Arguments}, nil
	}
	return nil, fmt.Errorf("unknown payload tag %q", sp.Type)
}

// Message is one entry in a conversation's history. Messages are immutable
// once written; ID is the store-assigned sequence id and defines the only
// valid ordering within a conversation.
type Message struct {
	ID           int64
	Conversation ConversationID
	Role         Role
	Payload      Payload
}

// Settings are the per-conversation completion parameters.
type Settings struct {
	Model          string
	MaxTokens      int
	PromptOverride string // empty = use the default prompt template
}
