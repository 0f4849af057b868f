// Package ledger persists per-message usage records: token counts plus the
// extended metrics captured from the upstream response (cost, carbon,
// latency, whatever the metrics mapping names).
package ledger

import (
	"context"
	"time"
)

// Entry represents a single usage record written to the local ledger.
type Entry struct {
	ID               int64                  `json:"id"`
	ConversationID   string                 `json:"conversation_id"`
	MessageID        string                 `json:"message_id,omitempty"`
	Model            string                 `json:"model,omitempty"`
	PromptTokens     int64                  `json:"prompt_tokens"`
	CompletionTokens int64                  `json:"completion_tokens"`
	Extended         map[string]interface{} `json:"extended,omitempty"`
	Memo             string                 `json:"memo,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Summary aggregates usage for a conversation.
type Summary struct {
	Messages         int64 `json:"messages"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, conversationID string) (Summary, error)
	ListRecent(ctx context.Context, conversationID string, limit int) ([]Entry, error)
	Close() error
}
