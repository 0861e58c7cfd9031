package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"horsebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testClient(baseURL string) *OpenAI {
	return NewOpenAI(OpenAIConfig{
		APIKey:  "test-key",
		APIBase: baseURL,
		Timeout: 5 * time.Second,
		Logger:  testLogger(),
	})
}

func chatRequest(texts ...string) domain.ChatRequest {
	req := domain.ChatRequest{Model: "gpt-3.5-turbo", MaxTokens: 256, Temperature: 0.5}
	for i, txt := range texts {
		role := domain.RoleUser
		if i == 0 {
			role = domain.RoleSystem
		}
		req.Messages = append(req.Messages, domain.Message{Role: role, Payload: domain.TextMessage{Text: txt}})
	}
	return req
}

func TestComplete_TextCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["temperature"] != 0.5 {
			t.Errorf("temperature not sent: %v", body["temperature"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Hello!"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Complete(context.Background(), chatRequest("be nice", "hi"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].Role != domain.RoleAssistant {
		t.Errorf("expected assistant role, got %v", cands[0].Role)
	}
	if got := cands[0].Payload.PlainText(); got != "Hello!" {
		t.Errorf("expected Hello!, got %q", got)
	}
}

func TestComplete_FunctionCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role":          "assistant",
					"content":       nil,
					"function_call": map[string]any{"name": "react", "arguments": `{"reaction_name":":horse:"}`},
				}},
			},
		})
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Complete(context.Background(), chatRequest("sys", "hi"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	fn, ok := cands[0].Payload.(domain.FunctionInvocation)
	if !ok {
		t.Fatalf("expected FunctionInvocation, got %T", cands[0].Payload)
	}
	if fn.Name != "react" {
		t.Errorf("expected react, got %q", fn.Name)
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	cands, err := testClient(srv.URL).Complete(context.Background(), chatRequest("sys", "hi"))
	if err != nil {
		t.Fatalf("empty choices is a valid response: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates, got %d", len(cands))
	}
}

func TestComplete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), chatRequest("sys", "hi"))
	var cerr *domain.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
}

func TestComplete_MalformedCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": nil}},
			},
		})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Complete(context.Background(), chatRequest("sys", "hi"))
	var cerr *domain.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError for contentless candidate, got %v", err)
	}
}

func TestComplete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := testClient(srv.URL).Complete(ctx, chatRequest("sys", "hi"))
	var cerr *domain.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError on timeout, got %v", err)
	}
}

func TestFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body moderationRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		flagged := body.Input == "bad words"
		json.NewEncoder(w).Encode(moderationResponse{Results: []moderationResult{
			{Flagged: flagged, Categories: map[string]bool{"harassment": flagged}},
		}})
	}))
	defer srv.Close()

	c := testClient(srv.URL)

	flagged, err := c.Flagged(context.Background(), "bad words")
	if err != nil {
		t.Fatalf("flagged: %v", err)
	}
	if !flagged {
		t.Error("expected flagged verdict")
	}

	flagged, err = c.Flagged(context.Background(), "nice words")
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Error("expected clean verdict")
	}
}
