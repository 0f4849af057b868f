// Package sse decorates the outbound HTTP transport to observe streamed
// chat-completion responses and capture usage metrics without touching the
// bytes delivered downstream.
package sse

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
)

// Config controls metrics capture from intercepted SSE responses.
type Config struct {
	// Enabled toggles extraction entirely.
	Enabled bool
	// Mapping maps friendly metric names to dotted paths into the usage
	// payload, e.g. "carbon_kwh_min" -> "carbon.kWh.min". Empty mapping
	// disables extraction.
	Mapping map[string]string
}

func (c Config) active() bool {
	return c.Enabled && len(c.Mapping) > 0
}

// rootKeys returns the set of first path segments from the mapping, used as
// a cheap pre-filter before walking every path.
func (c Config) rootKeys() map[string]struct{} {
	roots := make(map[string]struct{}, len(c.Mapping))
	for _, path := range c.Mapping {
		root, _, _ := strings.Cut(path, ".")
		roots[root] = struct{}{}
	}
	return roots
}

// Interceptor is an http.RoundTripper decorator. For streaming
// chat-completion responses it wraps the body so that raw chunks are scanned
// for usage metrics as they pass through; delivery to the caller is never
// delayed or altered.
type Interceptor struct {
	base   http.RoundTripper
	cfg    Config
	logger *log.Logger
}

// NewInterceptor wraps base. A nil base uses http.DefaultTransport.
func NewInterceptor(base http.RoundTripper, cfg Config, logger *log.Logger) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Interceptor{base: base, cfg: cfg, logger: logger}
}

// RoundTrip forwards the request and, for chat-completion endpoints with
// extraction active, installs the observing body wrapper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := i.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if !i.cfg.active() || !strings.Contains(req.URL.Path, "chat/completions") {
		return resp, nil
	}
	resp.Body = &eventReader{
		body:   resp.Body,
		cfg:    i.cfg,
		roots:  i.cfg.rootKeys(),
		slot:   SlotFrom(req.Context()),
		logger: i.logger,
	}
	return resp, nil
}

var eventSeparators = [][]byte{[]byte("\n\n"), []byte("\r\n\r\n")}

// eventReader reassembles SSE frames from the raw byte stream. Reads are
// passed through verbatim; frame parsing happens on a side buffer after each
// chunk is handed to the caller's slice.
type eventReader struct {
	body   io.ReadCloser
	buf    []byte
	cfg    Config
	roots  map[string]struct{}
	slot   *Slot
	logger *log.Logger
}

func (r *eventReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.buf = append(r.buf, p[:n]...)
		r.processBuffer()
	}
	return n, err
}

func (r *eventReader) Close() error {
	return r.body.Close()
}

// processBuffer drains complete frames from the buffer. Any internal failure
// is contained here; a malformed event never disturbs the stream.
func (r *eventReader) processBuffer() {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Printf("sse: event parse panic ignored: %v", rec)
		}
	}()
	for {
		idx, sepLen := -1, 0
		for _, sep := range eventSeparators {
			if i := bytes.Index(r.buf, sep); i >= 0 && (idx < 0 || i < idx) {
				idx, sepLen = i, len(sep)
			}
		}
		if idx < 0 {
			return
		}
		event := r.buf[:idx]
		r.buf = r.buf[idx+sepLen:]
		r.parseEvent(event)
	}
}

func (r *eventReader) parseEvent(event []byte) {
	for _, line := range strings.Split(string(event), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(line[len("data: "):])
		if payload == "[DONE]" {
			continue
		}
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			continue
		}
		usage, ok := data["usage"].(map[string]interface{})
		if !ok || len(usage) == 0 {
			continue
		}
		if !r.anyRootPresent(usage) {
			continue
		}
		metrics := extract(usage, r.cfg.Mapping)
		if metrics == nil {
			continue
		}
		if r.slot != nil {
			r.slot.Publish(metrics)
		}
		if r.logger != nil {
			r.logger.Printf("sse: extended metrics captured %s", metrics)
		}
	}
}

func (r *eventReader) anyRootPresent(usage map[string]interface{}) bool {
	for root := range r.roots {
		if _, ok := usage[root]; ok {
			return true
		}
	}
	return false
}
