package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"horsebot/internal/domain"
	"horsebot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// stubMeta satisfies domain.EventMeta with fixed lookups.
type stubMeta struct {
	name    string
	nameErr error
	pc      domain.PromptContext
	users   map[string]string // token -> display name
}

func (m *stubMeta) ConversationName(context.Context) (string, error) {
	return m.name, m.nameErr
}

func (m *stubMeta) PromptContext(context.Context) (domain.PromptContext, error) {
	return m.pc, nil
}

func (m *stubMeta) ResolveMention(_ context.Context, token string) (string, error) {
	if n, ok := m.users[token]; ok {
		return n, nil
	}
	return "", errors.New("unknown user")
}

// stubModerator flags text when flagFn says so.
type stubModerator struct {
	flagFn func(text string) bool
	calls  int
}

func (m *stubModerator) Flagged(_ context.Context, text string) (bool, error) {
	m.calls++
	if m.flagFn == nil {
		return false, nil
	}
	return m.flagFn(text), nil
}

// stubCompleter returns canned candidates and records the request.
type stubCompleter struct {
	candidates []domain.Candidate
	err        error
	calls      int
	lastReq    domain.ChatRequest
}

func (c *stubCompleter) Complete(_ context.Context, req domain.ChatRequest) ([]domain.Candidate, error) {
	c.calls++
	c.lastReq = req
	return c.candidates, c.err
}

func assistantText(text string) []domain.Candidate {
	return []domain.Candidate{{Role: domain.RoleAssistant, Payload: domain.TextMessage{Text: text}}}
}

func testMeta() *stubMeta {
	return &stubMeta{
		name: "#general",
		pc: domain.PromptContext{
			ServerName:  "Test Server",
			ChannelName: "#general",
			UserNick:    "@dylan",
			BotNick:     "@HorseNPC",
		},
		users: map[string]string{"<@42>": "Ada"},
	}
}

func testEvent(content string, meta *stubMeta) domain.Event {
	return domain.Event{
		Channel:  "test",
		ChatID:   "chat1",
		AuthorID: "author1",
		Content:  content,
		Meta:     meta,
	}
}

type fixture struct {
	replier   *Replier
	store     *store.Store
	completer *stubCompleter
	moderator *stubModerator
}

func newFixture(t *testing.T, completer *stubCompleter, moderator *stubModerator) *fixture {
	t.Helper()
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &fixture{
		replier: New(Config{
			Store:     st,
			Completer: completer,
			Moderator: moderator,
			Functions: Declarations(),
			Logger:    testLogger(),
		}),
		store:     st,
		completer: completer,
		moderator: moderator,
	}
}

func (f *fixture) history(t *testing.T, name string) []domain.Message {
	t.Helper()
	conv, err := f.store.FindOrCreate(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := f.store.History(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestReply_HappyPath(t *testing.T) {
	f := newFixture(t, &stubCompleter{candidates: assistantText("Hello!")}, &stubModerator{})

	text, err := f.replier.Reply(context.Background(), testEvent("<@42> hi", testMeta()))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if text != "Hello!" {
		t.Fatalf("expected Hello!, got %q", text)
	}

	msgs := f.history(t, "#general")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in store, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Payload.PlainText() != "@Ada hi" {
		t.Errorf("user turn wrong: %v %q", msgs[0].Role, msgs[0].Payload.PlainText())
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].Payload.PlainText() != "Hello!" {
		t.Errorf("assistant turn wrong: %v %q", msgs[1].Role, msgs[1].Payload.PlainText())
	}
}

func TestReply_ModerationShortCircuit(t *testing.T) {
	completer := &stubCompleter{candidates: assistantText("never used")}
	f := newFixture(t, completer, &stubModerator{flagFn: func(string) bool { return true }})

	text, err := f.replier.Reply(context.Background(), testEvent("something vile", testMeta()))
	if err != nil {
		t.Fatalf("deflection is not an error: %v", err)
	}
	if !f.replier.deflect.Contains(text) {
		t.Fatalf("reply %q is not from the deflection catalog", text)
	}
	if completer.calls != 0 {
		t.Fatalf("completion service must not be called, got %d calls", completer.calls)
	}
	if msgs := f.history(t, "#general"); len(msgs) != 0 {
		t.Fatalf("flagged input must not be persisted, found %d messages", len(msgs))
	}
}

func TestReply_NoCandidates(t *testing.T) {
	f := newFixture(t, &stubCompleter{candidates: nil}, &stubModerator{})

	_, err := f.replier.Reply(context.Background(), testEvent("hi", testMeta()))
	var nre *domain.NoReplyError
	if !errors.As(err, &nre) {
		t.Fatalf("expected NoReplyError, got %v", err)
	}

	msgs := f.history(t, "#general")
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("store should contain the user message only, got %d messages", len(msgs))
	}
}

func TestReply_NoUsableCandidate(t *testing.T) {
	// A user-role text candidate is not usable.
	f := newFixture(t, &stubCompleter{candidates: []domain.Candidate{
		{Role: domain.RoleUser, Payload: domain.TextMessage{Text: "echo"}},
	}}, &stubModerator{})

	_, err := f.replier.Reply(context.Background(), testEvent("hi", testMeta()))
	var nre *domain.NoReplyError
	if !errors.As(err, &nre) {
		t.Fatalf("expected NoReplyError, got %v", err)
	}
	if nre.Candidates != 1 {
		t.Fatalf("expected candidate count 1, got %d", nre.Candidates)
	}
}

func TestReply_CompletionError(t *testing.T) {
	f := newFixture(t, &stubCompleter{err: &domain.CompletionError{Op: "test", Err: errors.New("down")}}, &stubModerator{})

	_, err := f.replier.Reply(context.Background(), testEvent("hi", testMeta()))
	var cerr *domain.CompletionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompletionError, got %v", err)
	}

	msgs := f.history(t, "#general")
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("no assistant message may be persisted on completion failure, got %d messages", len(msgs))
	}
}

func TestReply_OutputModeration_NoRollback(t *testing.T) {
	moderator := &stubModerator{flagFn: func(text string) bool { return text == "rude reply" }}
	f := newFixture(t, &stubCompleter{candidates: assistantText("rude reply")}, moderator)

	text, err := f.replier.Reply(context.Background(), testEvent("hi", testMeta()))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !f.replier.deflect.Contains(text) {
		t.Fatalf("flagged reply must be deflected, got %q", text)
	}

	// The persisted record of what the model said is kept.
	msgs := f.history(t, "#general")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Payload.PlainText() != "rude reply" {
		t.Fatalf("assistant record missing: %q", msgs[1].Payload.PlainText())
	}
}

func TestReply_IdentifyFailure_NoSideEffects(t *testing.T) {
	meta := testMeta()
	meta.nameErr = &domain.GatewayError{Op: "channel lookup", Err: errors.New("gone")}
	completer := &stubCompleter{candidates: assistantText("x")}
	moderator := &stubModerator{}
	f := newFixture(t, completer, moderator)

	_, err := f.replier.Reply(context.Background(), testEvent("hi", meta))
	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if moderator.calls != 0 || completer.calls != 0 {
		t.Fatal("identify failure must abort before any collaborator call")
	}
}

func TestReply_AssembledRequest(t *testing.T) {
	completer := &stubCompleter{candidates: assistantText("ok")}
	f := newFixture(t, completer, &stubModerator{})

	// Seed an earlier turn.
	if _, err := f.replier.Reply(context.Background(), testEvent("first turn", testMeta())); err != nil {
		t.Fatal(err)
	}
	if _, err := f.replier.Reply(context.Background(), testEvent("second turn", testMeta())); err != nil {
		t.Fatal(err)
	}

	req := completer.lastReq
	if req.Temperature != 0.5 {
		t.Errorf("temperature must be 0.5, got %v", req.Temperature)
	}
	if req.Model != "gpt-3.5-turbo" {
		t.Errorf("model not taken from settings: %q", req.Model)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("max tokens not taken from settings: %d", req.MaxTokens)
	}
	if len(req.Functions) == 0 {
		t.Error("function declarations must be attached")
	}

	// System prompt first, then history ascending: first turn's user and
	// assistant messages, then the new user message.
	if len(req.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != domain.RoleSystem {
		t.Errorf("first message must be the system prompt, got %v", req.Messages[0].Role)
	}
	wantRoles := []domain.Role{domain.RoleSystem, domain.RoleUser, domain.RoleAssistant, domain.RoleUser}
	for i, want := range wantRoles {
		if req.Messages[i].Role != want {
			t.Errorf("message %d: expected role %v, got %v", i, want, req.Messages[i].Role)
		}
	}
	if got := req.Messages[3].Payload.PlainText(); got != "second turn" {
		t.Errorf("latest user message must close the request, got %q", got)
	}
}

func TestReply_PromptOverride(t *testing.T) {
	completer := &stubCompleter{candidates: assistantText("ok")}
	f := newFixture(t, completer, &stubModerator{})

	conv, err := f.store.FindOrCreate(context.Background(), "#general")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetPromptOverride(context.Background(), conv, "You are strictly {{.bot_nick}}."); err != nil {
		t.Fatal(err)
	}

	if _, err := f.replier.Reply(context.Background(), testEvent("hi", testMeta())); err != nil {
		t.Fatal(err)
	}
	sys := completer.lastReq.Messages[0].Payload.PlainText()
	if sys != "You are strictly @HorseNPC." {
		t.Fatalf("override not rendered: %q", sys)
	}
}

func TestReply_FunctionCandidate(t *testing.T) {
	fn := domain.FunctionInvocation{Name: "react", Arguments: `{"reaction_name":":thinking:"}`}
	f := newFixture(t, &stubCompleter{candidates: []domain.Candidate{
		{Role: domain.RoleAssistant, Payload: fn},
	}}, &stubModerator{})

	text, err := f.replier.Reply(context.Background(), testEvent("hi", testMeta()))
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if text != fn.PlainText() {
		t.Fatalf("expected function rendering %q, got %q", fn.PlainText(), text)
	}

	msgs := f.history(t, "#general")
	got, ok := msgs[1].Payload.(domain.FunctionInvocation)
	if !ok {
		t.Fatalf("function payload not persisted, got %T", msgs[1].Payload)
	}
	if got != fn {
		t.Fatalf("persisted invocation changed: %+v", got)
	}
}

func TestReply_EncodesMentions(t *testing.T) {
	completer := &stubCompleter{candidates: assistantText("Tell @Ada I said hi")}
	f := newFixture(t, completer, &stubModerator{})

	text, err := f.replier.Reply(context.Background(), testEvent("<@42> hello", testMeta()))
	if err != nil {
		t.Fatal(err)
	}
	if text != "Tell <@42> I said hi" {
		t.Fatalf("cached display name must be re-encoded, got %q", text)
	}
}
