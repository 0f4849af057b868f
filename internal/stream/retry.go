package stream

import (
	"context"
	"log"
	"time"
)

// TechnicalErrorNotice is the generic user-facing text emitted when every
// attempt failed. Raw internal errors are logged, never shown to the user.
const TechnicalErrorNotice = "A technical error occurred. Please try again."

// RetryConfig bounds the retry loop around one streaming operation.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget. Zero or negative disables
	// retry entirely: the operation runs exactly once and any failure
	// propagates unchanged.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; doubled each
	// further attempt. Defaults to 500ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay time.Duration
}

// Runner wraps a Producer in a bounded retry loop.
type Runner struct {
	cfg RetryConfig
	// cleanup releases partially-held attempt resources. Called after every
	// failed attempt, including the last one. Optional.
	cleanup func(ctx context.Context)
	// notice is the pre-encoded chunk emitted as final content when the
	// attempt budget is exhausted.
	notice Chunk
	logger *log.Logger
}

// NewRunner builds a runner. cleanup and logger may be nil; notice falls
// back to TechnicalErrorNotice as plain text when nil.
func NewRunner(cfg RetryConfig, cleanup func(ctx context.Context), notice Chunk, logger *log.Logger) *Runner {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if notice == nil {
		notice = Chunk(TechnicalErrorNotice)
	}
	return &Runner{cfg: cfg, cleanup: cleanup, notice: notice, logger: logger}
}

// Wrap returns a producer that retries p on transient failure.
//
// Payloads are forwarded as they arrive; a failed attempt may already have
// emitted output, and a fresh attempt starts from scratch without
// deduplication (the consumer may observe overlapping partial content).
// Once the budget is exhausted, a single generic technical-error payload is
// emitted as the last item and the stream ends success-shaped, so partially
// rendered responses close gracefully instead of aborting.
func (r *Runner) Wrap(p Producer) Producer {
	if r.cfg.MaxAttempts <= 0 {
		// Pre-retry behavior: one pass, failures propagate unchanged.
		return p
	}
	return func(ctx context.Context, emit func(Chunk) error) error {
		var lastErr error
		for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
			err := p(ctx, emit)
			if err == nil {
				return nil
			}
			if isCleanStop(err) {
				// Deliberate interruption: never retried, never converted.
				return err
			}
			lastErr = err
			if r.cleanup != nil {
				r.cleanup(ctx)
			}
			if attempt == r.cfg.MaxAttempts {
				break
			}
			delay := r.backoff(attempt)
			if r.logger != nil {
				r.logger.Printf("stream: attempt %d/%d failed: %v; retrying in %s", attempt, r.cfg.MaxAttempts, err, delay)
			}
			select {
			case <-ctx.Done():
				return ErrCancelled
			case <-time.After(delay):
			}
		}
		if r.logger != nil {
			r.logger.Printf("stream: all %d attempts failed, emitting technical error notice: %v", r.cfg.MaxAttempts, lastErr)
		}
		if err := emit(r.notice); err != nil {
			return err
		}
		return nil
	}
}

// backoff returns the wait before the next attempt: base doubled per attempt,
// capped at MaxDelay. Monotonically non-decreasing in the attempt number.
func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	return delay
}
