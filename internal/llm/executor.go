package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Executor wraps a Client with a bounded fixed-delay retry policy.
// Retryable failures (rate limiting, server errors, overload) are
// retried up to Attempts total calls with a fixed pause between them;
// the original error is returned unchanged when attempts run out.
// Fatal failures are returned immediately.
type Executor struct {
	client   Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. attempts < 1 is treated as 1.
func NewExecutor(client Client, attempts int, delay time.Duration, logger *slog.Logger) *Executor {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:   client,
		attempts: attempts,
		delay:    delay,
		logger:   logger.With("component", "executor"),
		sleep:    sleepCtx,
	}
}

// Execute performs a non-streaming call under the retry policy.
func (e *Executor) Execute(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return e.run(ctx, func() (*ChatResponse, error) {
		return e.client.Chat(ctx, req)
	})
}

// ExecuteStream performs a streaming call under the retry policy. A
// failure after fragments have been delivered is not retried; the
// stream is already partially consumed by the caller.
func (e *Executor) ExecuteStream(ctx context.Context, req ChatRequest, callback StreamCallback) (*ChatResponse, error) {
	started := false
	wrapped := func(ev StreamEvent) {
		if ev.Kind == KindToken {
			started = true
		}
		if callback != nil {
			callback(ev)
		}
	}
	return e.run(ctx, func() (*ChatResponse, error) {
		resp, err := e.client.ChatStream(ctx, req, wrapped)
		if err != nil && started {
			return nil, &nonRetryable{err}
		}
		return resp, err
	})
}

func (e *Executor) run(ctx context.Context, call func() (*ChatResponse, error)) (*ChatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}

		var nr *nonRetryable
		if errors.As(err, &nr) {
			return nil, nr.err
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == e.attempts {
			break
		}

		e.logger.Warn("retryable provider failure, backing off",
			"attempt", attempt,
			"max_attempts", e.attempts,
			"delay", e.delay,
			"error", err,
		)
		if serr := e.sleep(ctx, e.delay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// nonRetryable marks an error that must bypass the retry loop even if
// it would otherwise classify as retryable.
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
