// Package stream contains the execution bridge between an asynchronous
// token producer and a synchronous consumer: a pull-based adapter over a
// bounded hand-off channel, cooperative cancellation, and bounded retry of
// failed stream attempts.
package stream

import (
	"context"
	"errors"
)

// Chunk is one encoded output payload flowing from producer to consumer.
// Encoding is chosen by the caller; the bridge treats chunks as opaque bytes.
type Chunk []byte

// Producer runs one attempt of the streaming operation, forwarding each
// produced payload through emit as it is generated. Every call is a fresh
// attempt; the producer must be restartable. A nil return means the attempt
// completed; ErrCancelled (or a cancelled context) means a clean stop.
type Producer func(ctx context.Context, emit func(Chunk) error) error

// ErrCancelled is the dedicated clean-stop signal. Producers return it when
// the stream was interrupted on purpose; it is never retried and never
// surfaces to the consumer as a failure.
var ErrCancelled = errors.New("stream: cancelled")

// isCleanStop reports whether err represents deliberate interruption rather
// than a failure.
func isCleanStop(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
