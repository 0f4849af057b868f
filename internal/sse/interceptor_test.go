package sse

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/numz/conversations-mj/internal/testutil"
)

var testMapping = map[string]string{
	"carbon_kwh_min": "carbon.kWh.min",
	"carbon_kwh_max": "carbon.kWh.max",
	"total_tokens":   "total_tokens",
}

// chunkReader returns its chunks one Read at a time, then EOF.
type chunkReader struct {
	chunks [][]byte
	pos    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.chunks) {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.pos])
	c.pos++
	return n, nil
}

func (c *chunkReader) Close() error { return nil }

func captureMetrics(t *testing.T, chunks [][]byte, cfg Config) *Extended {
	t.Helper()
	slot := NewSlot()
	r := &eventReader{
		body:  &chunkReader{chunks: chunks},
		cfg:   cfg,
		roots: cfg.rootKeys(),
		slot:  slot,
	}
	buf := make([]byte, 4096)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	return slot.Take()
}

func TestInterceptReaderExtractsUsage(t *testing.T) {
	event := []byte(`data: {"usage": {"carbon": {"kWh": {"min": 0.001, "max": 0.002}}, "total_tokens": 42}}` + "\n\n")
	m := captureMetrics(t, [][]byte{event}, Config{Enabled: true, Mapping: testMapping})
	if m == nil {
		t.Fatal("no metrics captured")
	}
	if got := m.Get("carbon_kwh_min"); got != 0.001 {
		t.Errorf("carbon_kwh_min = %v, want 0.001", got)
	}
	if got := m.Get("total_tokens"); got != float64(42) {
		t.Errorf("total_tokens = %v, want 42", got)
	}
}

func TestInterceptReaderChunkBoundaryIndependence(t *testing.T) {
	payload := `data: {"usage": {"carbon": {"kWh": {"min": 0.001}}}}` + "\n\n"
	cfg := Config{Enabled: true, Mapping: testMapping}

	whole := captureMetrics(t, [][]byte{[]byte(payload)}, cfg)
	if whole == nil {
		t.Fatal("single-chunk feed captured nothing")
	}

	// Split at every possible byte boundary; result must be identical.
	for cut := 1; cut < len(payload); cut++ {
		split := captureMetrics(t, [][]byte{[]byte(payload[:cut]), []byte(payload[cut:])}, cfg)
		if split == nil {
			t.Fatalf("cut at %d captured nothing", cut)
		}
		if split.Get("carbon_kwh_min") != whole.Get("carbon_kwh_min") {
			t.Fatalf("cut at %d: got %v, want %v", cut, split.Get("carbon_kwh_min"), whole.Get("carbon_kwh_min"))
		}
	}
}

func TestInterceptReaderCRLFSeparator(t *testing.T) {
	event := []byte(`data: {"usage": {"total_tokens": 7}}` + "\r\n\r\n")
	m := captureMetrics(t, [][]byte{event}, Config{Enabled: true, Mapping: testMapping})
	if m == nil || m.Get("total_tokens") != float64(7) {
		t.Fatalf("metrics = %v, want total_tokens=7", m)
	}
}

func TestInterceptReaderIgnoresDone(t *testing.T) {
	m := captureMetrics(t, [][]byte{[]byte("data: [DONE]\n\n")}, Config{Enabled: true, Mapping: testMapping})
	if m != nil {
		t.Fatalf("metrics = %v, want none", m)
	}
}

func TestInterceptReaderSwallowsMalformedJSON(t *testing.T) {
	chunks := [][]byte{
		[]byte("data: {not valid json}\n\n"),
		[]byte(`data: {"usage": {"total_tokens": 3}}` + "\n\n"),
	}
	m := captureMetrics(t, chunks, Config{Enabled: true, Mapping: testMapping})
	if m == nil || m.Get("total_tokens") != float64(3) {
		t.Fatalf("malformed event disturbed later extraction, metrics = %v", m)
	}
}

func TestInterceptReaderRootKeyPrefilter(t *testing.T) {
	// Usage present but no mapped root key: extraction must not run.
	event := []byte(`data: {"usage": {"unrelated": 1}}` + "\n\n")
	m := captureMetrics(t, [][]byte{event}, Config{Enabled: true, Mapping: testMapping})
	if m != nil {
		t.Fatalf("metrics = %v, want none", m)
	}
}

func TestNestedValueAbsentPath(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		path string
		want interface{}
	}{
		{"present", map[string]interface{}{"carbon": map[string]interface{}{"kWh": map[string]interface{}{"min": 0.001}}}, "carbon.kWh.min", 0.001},
		{"empty container", map[string]interface{}{"carbon": map[string]interface{}{}}, "carbon.kWh.min", nil},
		{"non-object mid-path", map[string]interface{}{"carbon": "oops"}, "carbon.kWh.min", nil},
		{"missing root", map[string]interface{}{}, "carbon.kWh.min", nil},
		{"single segment", map[string]interface{}{"total_tokens": 12}, "total_tokens", 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nestedValue(tt.data, tt.path); got != tt.want {
				t.Errorf("nestedValue(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestRoundTripPassthrough(t *testing.T) {
	body := `data: {"usage": {"total_tokens": 9}}` + "\n\n" + "data: [DONE]\n\n"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	client := &http.Client{Transport: NewInterceptor(nil, Config{Enabled: true, Mapping: testMapping}, nil)}
	slot := NewSlot()
	ctx := WithSlot(context.Background(), slot)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != body {
		t.Errorf("body altered by interceptor:\ngot  %q\nwant %q", got, body)
	}
	m := slot.Take()
	if m == nil || m.Get("total_tokens") != float64(9) {
		t.Fatalf("metrics = %v, want total_tokens=9", m)
	}
}

func TestRoundTripSkipsOtherEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `data: {"usage": {"total_tokens": 9}}`+"\n\n")
	})
	srv := testutil.NewIPv4Server(t, mux)
	defer srv.Close()

	client := &http.Client{Transport: NewInterceptor(nil, Config{Enabled: true, Mapping: testMapping}, nil)}
	slot := NewSlot()
	ctx := WithSlot(context.Background(), slot)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/embeddings", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if m := slot.Take(); m != nil {
		t.Fatalf("metrics = %v, want none for non chat/completions path", m)
	}
}

func TestSlotLastWriterWins(t *testing.T) {
	slot := NewSlot()
	first := NewExtended()
	first.Set("a", 1)
	second := NewExtended()
	second.Set("a", 2)
	slot.Publish(first)
	slot.Publish(second)
	m := slot.Take()
	if m.Get("a") != 2 {
		t.Fatalf("a = %v, want 2", m.Get("a"))
	}
	if slot.Take() != nil {
		t.Fatal("Take must clear the slot")
	}
}
