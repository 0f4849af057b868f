package stream

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, p Producer) ([]string, error) {
	t.Helper()
	var out []string
	err := p(context.Background(), func(c Chunk) error {
		out = append(out, string(c))
		return nil
	})
	return out, err
}

func TestWrapNoRetryRunsOnce(t *testing.T) {
	calls := 0
	p := func(ctx context.Context, emit func(Chunk) error) error {
		calls++
		_ = emit(Chunk("a"))
		return nil
	}
	r := NewRunner(RetryConfig{MaxAttempts: 0}, nil, nil, nil)
	out, err := collect(t, r.Wrap(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(out) != 1 || out[0] != "a" {
		t.Fatalf("out = %v", out)
	}
}

func TestWrapNoRetryPropagatesRawError(t *testing.T) {
	boom := errors.New("boom")
	p := func(ctx context.Context, emit func(Chunk) error) error {
		return boom
	}
	r := NewRunner(RetryConfig{MaxAttempts: -1}, nil, nil, nil)
	out, err := collect(t, r.Wrap(p))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want raw boom", err)
	}
	if len(out) != 0 {
		t.Fatalf("out = %v, want no technical-error substitution", out)
	}
}

func TestWrapSucceedsOnSecondAttempt(t *testing.T) {
	calls := 0
	p := func(ctx context.Context, emit func(Chunk) error) error {
		calls++
		if calls == 1 {
			_ = emit(Chunk("partial"))
			return errors.New("transient")
		}
		_ = emit(Chunk("ok"))
		return nil
	}
	cleanups := 0
	r := NewRunner(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) { cleanups++ }, nil, nil)
	out, err := collect(t, r.Wrap(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	// Partial output from the failed attempt is forwarded, not rolled back.
	want := []string{"partial", "ok"}
	if len(out) != len(want) || out[0] != want[0] || out[1] != want[1] {
		t.Fatalf("out = %v, want %v", out, want)
	}
	if cleanups != 1 {
		t.Fatalf("cleanups = %d, want 1", cleanups)
	}
}

func TestWrapExhaustionEmitsTechnicalError(t *testing.T) {
	const attempts = 3
	calls := 0
	cleanups := 0
	p := func(ctx context.Context, emit func(Chunk) error) error {
		calls++
		return errors.New("persistent")
	}
	r := NewRunner(
		RetryConfig{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		func(ctx context.Context) { cleanups++ },
		nil, nil,
	)
	start := time.Now()
	out, err := collect(t, r.Wrap(p))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("exhausted retries must end success-shaped, got %v", err)
	}
	if calls != attempts {
		t.Fatalf("calls = %d, want %d", calls, attempts)
	}
	// Cleanup runs between each pair of attempts plus once at the final failure.
	if cleanups != attempts {
		t.Fatalf("cleanups = %d, want %d", cleanups, attempts)
	}
	// Backoff slept at least 10ms + 20ms between the three attempts.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 30ms of backoff", elapsed)
	}
	if len(out) != 1 || out[0] != TechnicalErrorNotice {
		t.Fatalf("out = %v, want single technical error notice", out)
	}
}

func TestWrapCustomNotice(t *testing.T) {
	p := func(ctx context.Context, emit func(Chunk) error) error {
		return errors.New("persistent")
	}
	r := NewRunner(RetryConfig{MaxAttempts: 1}, nil, Chunk(`{"type":"error"}`), nil)
	out, err := collect(t, r.Wrap(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0] != `{"type":"error"}` {
		t.Fatalf("out = %v", out)
	}
}

func TestWrapCleanStopNotRetried(t *testing.T) {
	calls := 0
	p := func(ctx context.Context, emit func(Chunk) error) error {
		calls++
		return ErrCancelled
	}
	r := NewRunner(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil, nil, nil)
	out, err := collect(t, r.Wrap(p))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (cancellation is never retried)", calls)
	}
	if len(out) != 0 {
		t.Fatalf("out = %v, want none", out)
	}
}

func TestBackoffMonotonic(t *testing.T) {
	r := NewRunner(RetryConfig{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, nil, nil, nil)
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := r.backoff(attempt)
		if d < prev {
			t.Fatalf("backoff(%d) = %v < backoff(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > time.Second {
			t.Fatalf("backoff(%d) = %v exceeds MaxDelay", attempt, d)
		}
		prev = d
	}
	if got := r.backoff(1); got != 100*time.Millisecond {
		t.Fatalf("backoff(1) = %v, want base delay floor", got)
	}
}
