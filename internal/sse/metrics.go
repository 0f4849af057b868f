package sse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Extended holds usage metrics captured from an upstream response, keyed by
// the friendly names from the metrics mapping. It is populated once by the
// interceptor that observed the response body and read afterwards; it is not
// written concurrently.
type Extended struct {
	values map[string]interface{}
}

// NewExtended returns an empty metrics container.
func NewExtended() *Extended {
	return &Extended{values: make(map[string]interface{})}
}

// Set stores a metric value under name.
func (e *Extended) Set(name string, value interface{}) {
	e.values[name] = value
}

// Get returns the value for name, or nil when absent.
func (e *Extended) Get(name string) interface{} {
	return e.values[name]
}

// Has reports whether at least one metric was captured.
func (e *Extended) Has() bool {
	return len(e.values) > 0
}

// Len returns the number of captured metrics.
func (e *Extended) Len() int {
	return len(e.values)
}

// Map returns a copy of the captured metrics.
func (e *Extended) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// String renders metrics as sorted key=value pairs for log lines.
func (e *Extended) String() string {
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, e.values[k])
	}
	return sb.String()
}

// Slot is a per-request holder for captured metrics. The interceptor
// publishes into it as events arrive; the request pipeline reads it out once
// the stream has finished. Last writer during one request wins.
type Slot struct {
	mu      sync.Mutex
	metrics *Extended
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish stores metrics, replacing any earlier value.
func (s *Slot) Publish(m *Extended) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// Take returns the captured metrics and clears the slot. Returns nil when
// nothing was captured.
func (s *Slot) Take() *Extended {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	s.metrics = nil
	return m
}

type slotContextKey struct{}

// WithSlot attaches a metrics slot to ctx so the interceptor wrapping the
// outbound transport can publish into it.
func WithSlot(ctx context.Context, slot *Slot) context.Context {
	return context.WithValue(ctx, slotContextKey{}, slot)
}

// SlotFrom returns the slot attached to ctx, or nil.
func SlotFrom(ctx context.Context) *Slot {
	slot, _ := ctx.Value(slotContextKey{}).(*Slot)
	return slot
}

// nestedValue walks data along a dotted path ("carbon.kWh.min"). A missing
// segment, or a non-object container mid-path, resolves to nil.
func nestedValue(data map[string]interface{}, path string) interface{} {
	var current interface{} = data
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return current
}

// extract resolves every mapped path against usage and returns the populated
// metrics, or nil when no path resolved.
func extract(usage map[string]interface{}, mapping map[string]string) *Extended {
	if len(usage) == 0 || len(mapping) == 0 {
		return nil
	}
	metrics := NewExtended()
	for name, path := range mapping {
		if v := nestedValue(usage, path); v != nil {
			metrics.Set(name, v)
		}
	}
	if !metrics.Has() {
		return nil
	}
	return metrics
}
