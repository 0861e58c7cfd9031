package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"horsebot/internal/domain"
	"horsebot/internal/mention"
	"horsebot/internal/prompt"
)

// replyTemperature is fixed for determinism of tone.
const replyTemperature = 0.5

const defaultCompletionTimeout = 60 * time.Second

// Replier runs the reply pipeline once per inbound gateway event:
// moderate the input, persist it, assemble the completion request, invoke
// the completion service, validate and persist the response, moderate the
// response, and return the final text.
type Replier struct {
	store     domain.ConversationStore
	completer domain.Completer
	moderator domain.Moderator
	mentions  *mention.Codec
	deflect   *Catalog
	functions []domain.FunctionDecl
	timeout   time.Duration
	logger    *slog.Logger

	// One lock per conversation, held from Persist-user through
	// Persist-assistant so concurrent turns on the same conversation never
	// interleave their history entries. Turns on different conversations
	// proceed concurrently.
	convMu    sync.Mutex
	convLocks map[domain.ConversationID]*sync.Mutex
}

type Config struct {
	Store     domain.ConversationStore
	Completer domain.Completer
	Moderator domain.Moderator
	Mentions  *mention.Codec
	Functions []domain.FunctionDecl
	Timeout   time.Duration // bound on each completion-service call
	Logger    *slog.Logger
}

func New(cfg Config) *Replier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCompletionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mentions == nil {
		cfg.Mentions = mention.New(cfg.Logger)
	}
	return &Replier{
		store:     cfg.Store,
		completer: cfg.Completer,
		moderator: cfg.Moderator,
		mentions:  cfg.Mentions,
		deflect:   DefaultCatalog(),
		functions: cfg.Functions,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		convLocks: make(map[domain.ConversationID]*sync.Mutex),
	}
}

func (r *Replier) lockConversation(conv domain.ConversationID) *sync.Mutex {
	r.convMu.Lock()
	mu, ok := r.convLocks[conv]
	if !ok {
		mu = &sync.Mutex{}
		r.convLocks[conv] = mu
	}
	r.convMu.Unlock()
	mu.Lock()
	return mu
}

// Reply produces the outbound text for one event. A moderation flag is not
// an error: it yields a stock deflection line. Every other failure surfaces
// as one of the typed errors in the domain package and means no reply.
func (r *Replier) Reply(ctx context.Context, ev domain.Event) (string, error) {
	// Identify. Failure here aborts with no side effects.
	name, err := ev.Meta.ConversationName(ctx)
	if err != nil {
		return "", err
	}
	conv, err := r.store.FindOrCreate(ctx, name)
	if err != nil {
		return "", err
	}

	// Decode mention tokens to display names.
	decoded := r.mentions.Decode(ctx, ev.Content, func(ctx context.Context, token string) (string, error) {
		return ev.Meta.ResolveMention(ctx, token)
	})

	// Moderate the input. Flagged input is never persisted and never
	// reaches the completion service.
	flagged, err := r.moderator.Flagged(ctx, decoded)
	if err != nil {
		return "", err
	}
	if flagged {
		r.logger.Info("input flagged, deflecting", "conversation", name)
		return r.deflect.Pick(), nil
	}

	mu := r.lockConversation(conv)
	defer mu.Unlock()

	// Persist the user's turn. Losing history is worse than surfacing an
	// error, so persistence failures abort without retry.
	if err := r.store.Append(ctx, conv, domain.RoleUser, domain.TextMessage{Text: decoded}); err != nil {
		return "", err
	}

	// Assemble: rendered system prompt first, then the full history in
	// ascending sequence order.
	req, err := r.assemble(ctx, conv, ev)
	if err != nil {
		return "", err
	}

	// Invoke, bounded: the completion service is the only unbounded
	// external dependency.
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	candidates, err := r.completer.Complete(cctx, req)
	if err != nil {
		return "", err
	}
	cand, ok := pickCandidate(candidates)
	if !ok {
		return "", &domain.NoReplyError{Candidates: len(candidates)}
	}

	// Persist the reply before output moderation; the record of what the
	// model said is kept even when the text is withheld.
	if err := r.store.Append(ctx, conv, domain.RoleAssistant, cand.Payload); err != nil {
		return "", err
	}

	text := cand.Payload.PlainText()
	flagged, err = r.moderator.Flagged(ctx, text)
	if err != nil {
		return "", err
	}
	if flagged {
		r.logger.Info("reply flagged, deflecting", "conversation", name)
		return r.deflect.Pick(), nil
	}

	return r.mentions.Encode(text), nil
}

// assemble builds the completion request from the conversation's settings,
// its full history and the rendered system prompt.
func (r *Replier) assemble(ctx context.Context, conv domain.ConversationID, ev domain.Event) (domain.ChatRequest, error) {
	history, err := r.store.History(ctx, conv)
	if err != nil {
		return domain.ChatRequest{}, err
	}
	settings, err := r.store.Settings(ctx, conv)
	if err != nil {
		return domain.ChatRequest{}, err
	}
	pc, err := ev.Meta.PromptContext(ctx)
	if err != nil {
		return domain.ChatRequest{}, err
	}

	tmpl := settings.PromptOverride
	if tmpl == "" {
		tmpl = prompt.DefaultTemplate()
	}
	system, err := prompt.Render(tmpl, prompt.Vars(pc, time.Now()))
	if err != nil {
		return domain.ChatRequest{}, err
	}

	messages := make([]domain.Message, 0, len(history)+1)
	messages = append(messages, domain.Message{
		Conversation: conv,
		Role:         domain.RoleSystem,
		Payload:      domain.TextMessage{Text: system},
	})
	messages = append(messages, history...)

	return domain.ChatRequest{
		Messages:    messages,
		Functions:   r.functions,
		Model:       settings.Model,
		MaxTokens:   settings.MaxTokens,
		Temperature: replyTemperature,
	}, nil
}

// pickCandidate takes the first candidate with the assistant role or one
// that carries a function invocation.
func pickCandidate(candidates []domain.Candidate) (domain.Candidate, bool) {
	for _, c := range candidates {
		if c.Role == domain.RoleAssistant {
			return c, true
		}
		if _, ok := c.Payload.(domain.FunctionInvocation); ok {
			return c, true
		}
	}
	return domain.Candidate{}, false
}
