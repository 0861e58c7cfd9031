package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"horsebot/internal/domain"

	_ "modernc.org/sqlite"
)

// Store is the durable conversation store, backed by SQLite. A single
// connection serializes all writes, so concurrent appends to the same
// conversation can never interleave their sequence assignment.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at dbPath and applies the schema.
// Pass ":memory:" for an ephemeral store.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &domain.PersistenceError{Op: "open", Err: fmt.Errorf("create directory %s: %w", dir, err)}
		}
		dbPath += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}

	// SQLite allows one writer; funnel everything through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &domain.PersistenceError{Op: "migrate", Err: err}
	}
	return s, nil
}

const (
	defaultModel     = "gpt-3.5-turbo"
	defaultMaxTokens = 1024
)

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		model      TEXT NOT NULL DEFAULT '` + defaultModel + `',
		max_tokens INTEGER NOT NULL DEFAULT 1024,
		prompt     TEXT
	);

	CREATE TABLE IF NOT EXISTS history (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversation(id),
		role            INTEGER NOT NULL,
		content         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_conv ON history(conversation_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// FindOrCreate returns the id for the named conversation, inserting a row if
// none exists. Idempotent: the same name always yields the same id, and
// distinct names never share one.
func (s *Store) FindOrCreate(ctx context.Context, name string) (domain.ConversationID, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name,
	)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "find_or_create", Err: err}
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM conversation WHERE name = ?`, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, &domain.PersistenceError{Op: "find_or_create", Err: fmt.Errorf("no row after upsert of %q", name)}
	}
	if err != nil {
		return 0, &domain.PersistenceError{Op: "find_or_create", Err: err}
	}
	return domain.ConversationID(id), nil
}

// Append writes one message with the next sequence id for the conversation.
// A single INSERT, so readers never observe a partial write.
func (s *Store) Append(ctx context.Context, conv domain.ConversationID, role domain.Role, payload domain.Payload) error {
	blob, err := domain.EncodePayload(payload)
	if err != nil {
		return &domain.PersistenceError{Op: "append", Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history (conversation_id, role, content) VALUES (?, ?, ?)`,
		int64(conv), int64(role), blob,
	)
	if err != nil {
		return &domain.PersistenceError{Op: "append", Err: err}
	}
	return nil
}

// History returns all messages for the conversation in ascending sequence
// order. No rows is an empty slice, not an error. A malformed stored role or
// payload is a decode failure, never silently dropped.
func (s *Store) History(ctx context.Context, conv domain.ConversationID) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content FROM history WHERE conversation_id = ? ORDER BY id ASC`,
		int64(conv),
	)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "history", Err: err}
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var (
			id      int64
			roleRaw int64
			blob    string
		)
		if err := rows.Scan(&id, &roleRaw, &blob); err != nil {
			return nil, &domain.PersistenceError{Op: "history", Err: err}
		}
		role, err := domain.RoleFromStored(roleRaw)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "history", Err: fmt.Errorf("row %d: %w", id, err)}
		}
		payload, err := domain.DecodePayload(blob)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "history", Err: fmt.Errorf("row %d: %w", id, err)}
		}
		msgs = append(msgs, domain.Message{
			ID:           id,
			Conversation: conv,
			Role:         role,
			Payload:      payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.PersistenceError{Op: "history", Err: err}
	}
	return msgs, nil
}

// Settings returns the conversation's completion parameters, with defaults
// applied where unset.
func (s *Store) Settings(ctx context.Context, conv domain.ConversationID) (domain.Settings, error) {
	var (
		model     sql.NullString
		maxTokens sql.NullInt64
		prompt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model, max_tokens, prompt FROM conversation WHERE id = ?`, int64(conv),
	).Scan(&model, &maxTokens, &prompt)
	if err == sql.ErrNoRows {
		return domain.Settings{}, &domain.PersistenceError{Op: "settings", Err: fmt.Errorf("conversation %d not found", conv)}
	}
	if err != nil {
		return domain.Settings{}, &domain.PersistenceError{Op: "settings", Err: err}
	}

	out := domain.Settings{
		Model:          defaultModel,
		MaxTokens:      defaultMaxTokens,
		PromptOverride: prompt.String,
	}
	if model.Valid && model.String != "" {
		out.Model = model.String
	}
	if maxTokens.Valid && maxTokens.Int64 > 0 {
		out.MaxTokens = int(maxTokens.Int64)
	}
	return out, nil
}

// SetPromptOverride replaces the conversation's system-prompt override.
func (s *Store) SetPromptOverride(ctx context.Context, conv domain.ConversationID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation SET prompt = ? WHERE id = ?`, text, int64(conv),
	)
	if err != nil {
		return &domain.PersistenceError{Op: "set_prompt", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &domain.PersistenceError{Op: "set_prompt", Err: fmt.Errorf("conversation %d not found", conv)}
	}
	return nil
}

// SetModel updates the conversation's model and token budget.
func (s *Store) SetModel(ctx context.Context, conv domain.ConversationID, model string, maxTokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation SET model = ?, max_tokens = ? WHERE id = ?`,
		model, maxTokens, int64(conv),
	)
	if err != nil {
		return &domain.PersistenceError{Op: "set_model", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
