package edgeagent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RemoteTransientError marks a remote-backend LLMSession failure as
// retryable (HTTP 429/503-equivalent), optionally carrying a server-supplied
// minimum retry delay. Concrete remote LLMSession implementations return this
// type from Preload/Stream to opt into retryLLMSession's backoff.
type RemoteTransientError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RemoteTransientError) Error() string {
	return "edgeagent: transient remote backend error"
}

// retryLLMSession wraps an LLMSession and automatically retries transient
// remote-backend errors with exponential backoff, grounded on the teacher's
// retryProvider. Only the remote backend is expected to produce
// RemoteTransientError; MLX/GGUF sessions pass straight through since a
// local-process failure is never transient in the same sense.
type retryLLMSession struct {
	inner       LLMSession
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retryLLMSession.
type RetryOption func(*retryLLMSession)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryLLMSession) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles: baseDelay, 2x, 4x, ...
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryLLMSession) { r.baseDelay = d }
}

// RetryLogger sets the logger used to report retry attempts.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryLLMSession) { r.logger = l }
}

// WithRetry wraps session with automatic retry on RemoteTransientError.
// Compose it around a remote-backend LLMSession before handing it to
// ModelStateCoordinator:
//
//	session = edgeagent.WithRetry(remote.NewSession(endpoint))
func WithRetry(session LLMSession, opts ...RetryOption) LLMSession {
	r := &retryLLMSession{
		inner:       session,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *retryLLMSession) Preload(ctx context.Context, config SendableModel) (<-chan Progress, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() (<-chan Progress, error) {
		return r.inner.Preload(ctx, config)
	})
}

// Stream implements LLMSession with retry. Only the initial call that opens
// the stream is retryable — once the channel is handed back, chunk delivery
// is the caller's concern and errors mid-stream have no signalling path on
// this interface.
func (r *retryLLMSession) Stream(ctx context.Context, input string) (<-chan Chunk, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() (<-chan Chunk, error) {
		return r.inner.Stream(ctx, input)
	})
}

func (r *retryLLMSession) Unload(ctx context.Context) error { return r.inner.Unload(ctx) }
func (r *retryLLMSession) Stop(ctx context.Context) error   { return r.inner.Stop(ctx) }

// isTransient reports whether err is a retryable remote-backend error.
func isTransient(err error) bool {
	var e *RemoteTransientError
	return errors.As(err, &e)
}

// retryAfterOf extracts the server-supplied minimum delay from err, or 0.
func retryAfterOf(err error) time.Duration {
	var e *RemoteTransientError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i: the larger of
// exponential backoff and the server's Retry-After value, if present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn once; on a transient error it sleeps and retries up to
// maxAttempts times total.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		if i < maxAttempts-1 {
			logger.Warn("edgeagent: transient remote error, retrying", "attempt", i+1, "max_attempts", maxAttempts)
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i, plus up
// to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ LLMSession = (*retryLLMSession)(nil)
