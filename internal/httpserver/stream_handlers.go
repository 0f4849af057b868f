package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/numz/conversations-mj/internal/agent"
	"github.com/numz/conversations-mj/internal/cancel"
	"github.com/numz/conversations-mj/internal/metrics"
	"github.com/numz/conversations-mj/internal/stream"
)

type streamRequest struct {
	Model    string          `json:"model"`
	Messages []agent.Message `json:"messages"`
}

// streamEvent is the wire shape of one SSE data payload.
type streamEvent struct {
	ID      string `json:"id"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	reqStart := time.Now()

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("messages are required"))
		return
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	messageID := uuid.NewString()

	r, slot := s.slotContext(r)
	sig := s.registry.GetOrCreate(convID)

	enc := func(ev agent.Event) stream.Chunk {
		payload, err := json.Marshal(streamEvent{ID: messageID, Role: ev.Role, Content: ev.Content})
		if err != nil {
			return nil
		}
		return payload
	}
	producer := s.agent.Producer(model, req.Messages, enc)

	notice, _ := json.Marshal(streamEvent{ID: messageID, Role: "assistant", Content: stream.TechnicalErrorNotice})
	runner := stream.NewRunner(s.retry, func(ctx context.Context) {
		metrics.RetryAttemptsTotal.WithLabelValues(model).Inc()
		if err := s.stops.Clear(ctx, convID); err != nil {
			s.debugf("stream %s: clear stop marker between attempts: %v", convID, err)
		}
	}, notice, s.logger)
	producer = runner.Wrap(producer)

	pollDone := make(chan struct{})
	defer close(pollDone)
	go s.pollStops(r.Context(), convID, sig, pollDone)

	bridge := stream.Start(r.Context(), producer, stream.Options{
		Cancel:      sig,
		Buffer:      s.streamBuffer,
		JoinTimeout: s.joinTimeout,
		OnTeardown: func() {
			s.registry.Remove(convID)
			ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			_ = s.stops.Clear(ctx, convID)
		},
		Logger: s.logger,
	})
	defer bridge.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	completionChars := 0
	firstDeltaAt := time.Time{}
	failed := false

	for {
		chunk, err := bridge.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_, _ = io.WriteString(w, "data: {\"error\": \"stream error\"}\n\n")
			if flusher != nil {
				flusher.Flush()
			}
			failed = true
			break
		}
		completionChars += len(chunk)
		if firstDeltaAt.IsZero() {
			firstDeltaAt = time.Now()
		}
		_, _ = io.WriteString(w, "data: "+string(chunk)+"\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	if !failed {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	state := bridge.State()
	s.recordUsage(convID, messageID, model, req.Messages, completionChars, slot.Take())

	outcome := outcomeLabel(state)
	metrics.StreamsTotal.WithLabelValues(outcome).Inc()
	metrics.StreamDuration.WithLabelValues(model, outcome).Observe(time.Since(reqStart).Seconds())

	if s.logger != nil {
		total := time.Since(reqStart)
		ttfb := time.Duration(0)
		if !firstDeltaAt.IsZero() {
			ttfb = firstDeltaAt.Sub(reqStart)
		}
		s.logger.Printf("conversations.stream total_ms=%d ttfb_ms=%d model=%s state=%s", total.Milliseconds(), ttfb.Milliseconds(), model, state)
	}
}

// pollStops watches the stop store so a marker set by another process
// still cancels this stream. In-process stops go through the registry
// signal directly and need no polling round trip.
func (s *Server) pollStops(ctx context.Context, convID string, sig *cancel.Signal, done <-chan struct{}) {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stopped, err := s.stops.IsStopped(ctx, convID)
			if err != nil {
				s.debugf("stream %s: stop store check: %v", convID, err)
				continue
			}
			if stopped {
				sig.Set()
				return
			}
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if err := s.stops.MarkStopped(r.Context(), convID); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if s.cancelEventEnabled {
		s.registry.Trigger(convID)
	}
	metrics.StopRequestsTotal.Inc()
	if s.logger != nil {
		s.logger.Printf("conversations.stop conversation=%s", convID)
	}
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"status":          "stopping",
		"conversation_id": convID,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	summary, err := s.usage.Summary(r.Context(), convID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.usage.ListRecent(r.Context(), convID, 50)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"conversation_id":   convID,
		"messages":          summary.Messages,
		"prompt_tokens":     summary.PromptTokens,
		"completion_tokens": summary.CompletionTokens,
		"recent":            entries,
	})
}

func outcomeLabel(state stream.State) string {
	switch state {
	case stream.StateCompleted:
		return "completed"
	case stream.StateCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}
