// Package cancel tracks per-stream cancellation signals so an HTTP stop
// endpoint can interrupt a stream owned by another goroutine.
package cancel

import "sync"

// Registry maps stream identifiers (conversation ids) to their cancellation
// signals. It is constructed once at process start and shared by reference;
// all methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{signals: make(map[string]*Signal)}
}

// GetOrCreate returns the signal registered for id, creating and storing a
// new unset one if absent. Concurrent callers with the same id always receive
// the identical instance.
func (r *Registry) GetOrCreate(id string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sig, ok := r.signals[id]; ok {
		return sig
	}
	sig := NewSignal()
	r.signals[id] = sig
	return sig
}

// Trigger sets the signal for id if one exists. Stopping a stream that
// already finished, or never started, is not an error.
func (r *Registry) Trigger(id string) {
	r.mu.Lock()
	sig := r.signals[id]
	r.mu.Unlock()
	if sig != nil {
		sig.Set()
	}
}

// Remove deletes the entry for id. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.signals, id)
	r.mu.Unlock()
}

// Len returns the number of active entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}
