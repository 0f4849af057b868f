package httpserver

import (
	"context"
	"time"

	"github.com/numz/conversations-mj/internal/agent"
	"github.com/numz/conversations-mj/internal/ledger"
	"github.com/numz/conversations-mj/internal/metrics"
	"github.com/numz/conversations-mj/internal/sse"
)

// recordUsage persists one usage entry for a finished stream. Token
// counts come from the captured provider usage when available and fall
// back to a chars/4 approximation otherwise.
func (s *Server) recordUsage(convID, messageID, model string, msgs []agent.Message, completionChars int, ext *sse.Extended) {
	promptTokens := int64(approximatePromptTokens(msgs))
	completionTokens := int64(completionChars / 4)

	var extended map[string]interface{}
	if ext != nil && ext.Has() {
		extended = ext.Map()
		if v, ok := asInt64(extended["prompt_tokens"]); ok {
			promptTokens = v
		}
		if v, ok := asInt64(extended["completion_tokens"]); ok {
			completionTokens = v
		}
	}

	metrics.RecordUsage(model, promptTokens, completionTokens)

	if s.usage == nil {
		return
	}
	// The request context is usually done by now; give persistence its
	// own deadline.
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	entry := ledger.Entry{
		ConversationID:   convID,
		MessageID:        messageID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Extended:         extended,
		Memo:             "conversations.stream",
	}
	if err := s.usage.Record(ctx, entry); err != nil && s.logger != nil {
		s.logger.Printf("conversations.stream usage record failed conversation=%s err=%v", convID, err)
	}
}

func approximatePromptTokens(msgs []agent.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Role) + len(m.Content)
	}
	return chars / 4
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
