package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"horsebot/internal/domain"
)

// OpenAI talks to an OpenAI-compatible API: chat completions for replies and
// the moderations endpoint for flagged/not-flagged verdicts. It implements
// domain.Completer and domain.Moderator.
type OpenAI struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type OpenAIConfig struct {
	APIKey  string
	APIBase string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		client:  SharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

type oaiRequest struct {
	Model       string        `json:"model"`
	Messages    []oaiMessage  `json:"messages"`
	Functions   []oaiFunction `json:"functions,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type oaiMessage struct {
	Role         string           `json:"role"`
	Content      *string          `json:"content"`
	Name         string           `json:"name,omitempty"`
	FunctionCall *oaiFunctionCall `json:"function_call,omitempty"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

// Complete sends the assembled request and returns every candidate the
// service produced, in order. Transport errors, timeouts, non-2xx statuses
// and malformed bodies all surface as *domain.CompletionError.
func (o *OpenAI) Complete(ctx context.Context, req domain.ChatRequest) ([]domain.Candidate, error) {
	msgs := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om, err := toWireMessage(m)
		if err != nil {
			return nil, &domain.CompletionError{Op: "encode", Err: err}
		}
		msgs = append(msgs, om)
	}

	body := oaiRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, f := range req.Functions {
		body.Functions = append(body.Functions, oaiFunction(f))
	}

	var resp oaiResponse
	if err := o.post(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}

	candidates := make([]domain.Candidate, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		cand, err := fromWireMessage(choice.Message)
		if err != nil {
			return nil, &domain.CompletionError{Op: "decode", Err: err}
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// toWireMessage converts one stored message to the request shape. The
// conversion is total per payload case.
func toWireMessage(m domain.Message) (oaiMessage, error) {
	switch p := m.Payload.(type) {
	case domain.TextMessage:
		content := p.Text
		return oaiMessage{Role: m.Role.Wire(), Content: &content}, nil
	case domain.FunctionInvocation:
		return oaiMessage{
			Role:         m.Role.Wire(),
			Content:      nil,
			Name:         p.Name,
			FunctionCall: &oaiFunctionCall{Name: p.Name, Arguments: p.Arguments},
		}, nil
	}
	return oaiMessage{}, fmt.Errorf("unknown payload type %T", m.Payload)
}

// fromWireMessage converts one response choice to a candidate.
func fromWireMessage(m oaiMessage) (domain.Candidate, error) {
	role, err := domain.RoleFromWire(m.Role)
	if err != nil {
		return domain.Candidate{}, err
	}
	switch {
	case m.FunctionCall != nil:
		return domain.Candidate{Role: role, Payload: domain.FunctionInvocation{
			Name:      m.FunctionCall.Name,
			Arguments: m.FunctionCall.Arguments,
		}}, nil
	case m.Content != nil:
		return domain.Candidate{Role: role, Payload: domain.TextMessage{Text: *m.Content}}, nil
	}
	return domain.Candidate{}, fmt.Errorf("candidate has neither content nor function call")
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []moderationResult `json:"results"`
}

type moderationResult struct {
	Flagged    bool            `json:"flagged"`
	Categories map[string]bool `json:"categories"`
}

// Flagged submits text to the moderation endpoint. Category detail is
// logged, not returned.
func (o *OpenAI) Flagged(ctx context.Context, text string) (bool, error) {
	var resp moderationResponse
	if err := o.post(ctx, "/moderations", moderationRequest{Input: text}, &resp); err != nil {
		return false, err
	}

	flagged := false
	for _, r := range resp.Results {
		if !r.Flagged {
			continue
		}
		flagged = true
		var cats []string
		for name, hit := range r.Categories {
			if hit {
				cats = append(cats, name)
			}
		}
		o.logger.Info("moderation flagged text", "categories", cats)
	}
	return flagged, nil
}

func (o *OpenAI) post(ctx context.Context, path string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return &domain.CompletionError{Op: path, Err: fmt.Errorf("marshal: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+path, bytes.NewReader(jsonBody))
	if err != nil {
		return &domain.CompletionError{Op: path, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return &domain.CompletionError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return &domain.CompletionError{Op: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.CompletionError{Op: path, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
