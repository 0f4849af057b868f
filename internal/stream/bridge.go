package stream

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/numz/conversations-mj/internal/cancel"
)

// State describes the bridge lifecycle. Terminal states are absorbing and
// each bridge reaches exactly one of them.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// item is one hand-off channel element: a payload, or the terminal error.
type item struct {
	chunk Chunk
	err   error
}

// Options configure a bridge.
type Options struct {
	// Cancel is the external cancellation signal for this stream. Nil makes
	// the bridge a plain adapter with no early-cancel capability.
	Cancel *cancel.Signal
	// Buffer is the hand-off channel capacity. Defaults to 10.
	Buffer int
	// JoinTimeout bounds the wait for the background worker during teardown
	// so a stuck producer cannot hang the consumer. Defaults to 5s.
	JoinTimeout time.Duration
	// OnTeardown runs exactly once when the bridge tears down, on every exit
	// path. Used to drop the stream's registry entry.
	OnTeardown func()
	Logger     *log.Logger
}

// Bridge adapts an asynchronous producer into a pull-based sequence. A
// background worker drives the producer and relays each payload into a
// bounded hand-off channel; the consumer pulls with Next. The worker owns
// all producer-side failures: the consumer only ever observes payloads, a
// clean end, or one re-raised error.
type Bridge struct {
	handoff     chan item
	workerDone  chan struct{}
	cancelRun   context.CancelFunc
	joinTimeout time.Duration
	onTeardown  func()
	logger      *log.Logger

	state    atomic.Int32
	teardown sync.Once
}

// Start launches the bridge: the worker goroutine begins driving producer
// immediately, and when opts.Cancel is set an independent watcher aborts the
// in-flight attempt once the signal fires (the producer's context is
// cancelled, tearing down its network connection).
func Start(ctx context.Context, producer Producer, opts Options) *Bridge {
	if opts.Buffer <= 0 {
		opts.Buffer = 10
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	b := &Bridge{
		handoff:     make(chan item, opts.Buffer),
		workerDone:  make(chan struct{}),
		cancelRun:   cancelRun,
		joinTimeout: opts.JoinTimeout,
		onTeardown:  opts.OnTeardown,
		logger:      opts.Logger,
	}
	b.state.Store(int32(StateRunning))

	go b.run(runCtx, producer)

	if opts.Cancel != nil {
		go b.watch(opts.Cancel)
	}
	return b
}

// run drives the producer to completion and closes the hand-off channel on
// the way out, so the consumer always observes exactly one terminal.
func (b *Bridge) run(ctx context.Context, producer Producer) {
	defer close(b.workerDone)
	defer close(b.handoff)

	err := producer(ctx, func(c Chunk) error {
		select {
		case b.handoff <- item{chunk: c}:
			return nil
		case <-ctx.Done():
			return ErrCancelled
		}
	})
	switch {
	case err == nil:
		b.finish(StateCompleted)
	case isCleanStop(err):
		// Clean stop: not a failure, nothing to re-raise.
		if b.logger != nil {
			b.logger.Printf("stream: bridge stopped cleanly")
		}
		b.finish(StateCancelled)
	default:
		b.finish(StateFailed)
		// Deliver the error after all already-produced items.
		select {
		case b.handoff <- item{err: err}:
		case <-ctx.Done():
		}
	}
}

// watch aborts the in-flight attempt when the external signal fires.
func (b *Bridge) watch(sig *cancel.Signal) {
	select {
	case <-sig.Done():
		if b.logger != nil {
			b.logger.Printf("stream: cancel signal received, aborting in-flight attempt")
		}
		b.cancelRun()
	case <-b.workerDone:
	}
}

func (b *Bridge) finish(s State) {
	b.state.CompareAndSwap(int32(StateRunning), int32(s))
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Next blocks for the next payload. It returns io.EOF on a clean end
// (completion or cancellation) and the producer's error on failure, after
// every already-produced payload has been delivered. Once a terminal is
// returned the bridge has already torn down.
func (b *Bridge) Next() (Chunk, error) {
	it, ok := <-b.handoff
	if !ok {
		b.Close()
		return nil, io.EOF
	}
	if it.err != nil {
		b.Close()
		return nil, it.err
	}
	return it.chunk, nil
}

// Close tears the bridge down: the in-flight attempt is cancelled, the
// worker joined with a bounded timeout, and the teardown hook run. Safe to
// call multiple times and on every exit path; Next calls it on terminals,
// and consumers abandoning the stream early must call it themselves.
func (b *Bridge) Close() {
	b.teardown.Do(func() {
		b.cancelRun()
		select {
		case <-b.workerDone:
		case <-time.After(b.joinTimeout):
			if b.logger != nil {
				b.logger.Printf("stream: worker did not exit within %s, abandoning join", b.joinTimeout)
			}
		}
		if b.onTeardown != nil {
			b.onTeardown()
		}
	})
}
