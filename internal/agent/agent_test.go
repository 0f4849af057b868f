package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/numz/conversations-mj/internal/stream"
	"github.com/numz/conversations-mj/internal/testutil"
)

func identityEncoder(ev Event) stream.Chunk {
	return stream.Chunk(ev.Content)
}

func sseHandler(body string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	})
	return mux
}

func newTestClient(t *testing.T, srv *testutil.IPv4Server) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{APIKey: "sk-test"}},
		{name: "missing api key", cfg: Config{BaseURL: "http://localhost"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProducerEmitsDeltasInOrder(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		"",
		`data: {"usage":{"total_tokens":5},"choices":[]}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")
	srv := testutil.NewIPv4Server(t, sseHandler(body))
	defer srv.Close()

	c := newTestClient(t, srv)
	var out []string
	err := c.Producer("test-model", []Message{{Role: "user", Content: "hi"}}, identityEncoder)(
		context.Background(),
		func(chunk stream.Chunk) error {
			out = append(out, string(chunk))
			return nil
		},
	)
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	if len(out) != 2 || out[0] != "Hel" || out[1] != "lo" {
		t.Fatalf("out = %v, want [Hel lo]", out)
	}
}

func TestProducerNoMessages(t *testing.T) {
	c, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.Producer("m", nil, identityEncoder)(context.Background(), func(stream.Chunk) error { return nil })
	if err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestProducerUpstreamHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.Producer("m", []Message{{Role: "user", Content: "hi"}}, identityEncoder)(
		context.Background(), func(stream.Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "http 503") {
		t.Fatalf("err = %v, want http 503", err)
	}
}

func TestProducerCancelledMidStream(t *testing.T) {
	blocked := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocked // hold the connection open
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()
	defer close(blocked)

	c := newTestClient(t, srv)
	ctx, cancelCtx := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		got <- c.Producer("m", []Message{{Role: "user", Content: "hi"}}, identityEncoder)(
			ctx,
			func(chunk stream.Chunk) error {
				cancelCtx() // cancel as soon as the first delta arrives
				return nil
			},
		)
	}()
	select {
	case err := <-got:
		if !errors.Is(err, stream.ErrCancelled) && !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want clean-stop classification", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not return after context cancellation")
	}
}
