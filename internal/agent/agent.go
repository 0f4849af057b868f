// Package agent talks to the upstream LLM runtime. It exposes the one
// capability the streaming core depends on: given a conversation history,
// produce a lazy, restartable-per-attempt sequence of output events.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/numz/conversations-mj/internal/stream"
)

// Message is one turn of the conversation history sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is one output event produced by the agent.
type Event struct {
	// Role is set on the first event of a response.
	Role string
	// Content is the incremental text delta.
	Content string
}

// Encoder turns an agent event into the wire chunk delivered downstream.
// Supplied by the caller so the bridge stays decoupled from the response
// format.
type Encoder func(Event) stream.Chunk

// Config holds connection settings for the agent runtime.
type Config struct {
	APIKey  string
	BaseURL string // defaults to https://api.openai.com/v1
	// RequestTimeout bounds one whole streaming attempt. Defaults to 600s
	// with a 5s connect timeout carried by the transport.
	RequestTimeout time.Duration
	// Transport, when set, replaces the default transport. The daemon
	// installs the SSE metrics interceptor here.
	Transport http.RoundTripper
}

// Client issues streaming chat-completion requests.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New validates cfg and builds a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("agent: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 600 * time.Second
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
	}, nil
}

// chatRequest is the upstream chat-completion payload.
type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []Message     `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
}

// streamOptions asks the upstream to append a usage chunk, which the SSE
// interceptor reads off the wire.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// streamChunk is the subset of the upstream SSE chunk the producer consumes.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Producer returns one-attempt streaming operation for the given history.
// Each call of the returned producer is a fresh upstream request, so a retry
// runner can restart it from scratch.
func (c *Client) Producer(model string, messages []Message, enc Encoder) stream.Producer {
	return func(ctx context.Context, emit func(stream.Chunk) error) error {
		return c.streamOnce(ctx, model, messages, enc, emit)
	}
}

func (c *Client) streamOnce(ctx context.Context, model string, messages []Message, enc Encoder, emit func(stream.Chunk) error) error {
	if len(messages) == 0 {
		return errors.New("agent: no messages provided")
	}
	body, err := json.Marshal(chatRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent: http %d: %s", resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "{}" {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if perr := json.Unmarshal([]byte(payload), &chunk); perr != nil {
			return fmt.Errorf("agent: parse stream: %w", perr)
		}
		if len(chunk.Choices) == 0 {
			// Usage-only trailer chunk; the interceptor already saw it.
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content == "" && choice.Delta.Role == "" {
			continue
		}
		if err := emit(enc(Event{Role: choice.Delta.Role, Content: choice.Delta.Content})); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			// Connection torn down on purpose; report the clean stop.
			return stream.ErrCancelled
		}
		return fmt.Errorf("agent: read stream: %w", err)
	}
	return nil
}
