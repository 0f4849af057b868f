package cancel

import "sync"

// Signal is a one-shot cancellation flag with channel-based waiters.
// Once set it never resets; setting it again is a no-op.
type Signal struct {
	mu   sync.Mutex
	set  bool
	done chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set marks the signal. Idempotent.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	close(s.done)
}

// IsSet reports whether the signal has been set.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed when the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
