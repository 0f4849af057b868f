package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/numz/conversations-mj/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	message_id TEXT,
	model TEXT,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	extended TEXT,
	memo TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_conv_created ON usage_entries(conversation_id, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.ConversationID == "" {
		return errors.New("ledger record requires conversation id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	extended, err := marshalExtended(entry.Extended)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO usage_entries(conversation_id, message_id, model, prompt_tokens, completion_tokens, extended, memo, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ConversationID,
		entry.MessageID,
		entry.Model,
		entry.PromptTokens,
		entry.CompletionTokens,
		extended,
		entry.Memo,
		created,
	)
	return err
}

// Summary returns aggregated usage for the given conversation.
func (s *Store) Summary(ctx context.Context, conversationID string) (ledger.Summary, error) {
	if conversationID == "" {
		return ledger.Summary{}, errors.New("conversation id required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
FROM usage_entries
WHERE conversation_id = ?`, conversationID)

	var summary ledger.Summary
	if err := row.Scan(&summary.Messages, &summary.PromptTokens, &summary.CompletionTokens); err != nil {
		return ledger.Summary{}, err
	}
	return summary, nil
}

// ListRecent returns the latest entries for a conversation.
func (s *Store) ListRecent(ctx context.Context, conversationID string, limit int) ([]ledger.Entry, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, message_id, model, prompt_tokens, completion_tokens, extended, memo, created_at
FROM usage_entries
WHERE conversation_id = ?
ORDER BY created_at DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e        ledger.Entry
			extended sql.NullString
			msgID    sql.NullString
			model    sql.NullString
			memo     sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &msgID, &model, &e.PromptTokens, &e.CompletionTokens, &extended, &memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.MessageID = msgID.String
		e.Model = model.String
		e.Memo = memo.String
		if extended.Valid && extended.String != "" {
			if err := json.Unmarshal([]byte(extended.String), &e.Extended); err != nil {
				return nil, fmt.Errorf("decode extended metrics: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func marshalExtended(extended map[string]interface{}) (string, error) {
	if len(extended) == 0 {
		return "", nil
	}
	data, err := json.Marshal(extended)
	if err != nil {
		return "", fmt.Errorf("encode extended metrics: %w", err)
	}
	return string(data), nil
}
