package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/numz/conversations-mj/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	id BIGSERIAL PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	message_id TEXT,
	model TEXT,
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	extended JSONB,
	memo TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
	var extended interface{}
	if len(entry.Extended) > 0 {
		data, err := json.Marshal(entry.Extended)
		if err != nil {
			return fmt.Errorf("encode extended metrics: %w", err)
		}
		extended = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(conversation_id, message_id, model, prompt_tokens, completion_tokens, extended, memo, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
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
WHERE conversation_id = $1`, conversationID)

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
WHERE conversation_id = $1
ORDER BY created_at DESC
LIMIT $2`, conversationID, limit)
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
