package agos

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryProvider wraps a Provider and re-issues requests rejected with a
// throttling status (429, 503). Delays grow exponentially and are
// floored by the server's Retry-After when one was sent.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // cap across all attempts; 0 = no cap
	logger      *slog.Logger
}

// RetryOption configures a retryProvider.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the backoff before the second attempt (default:
// 1s). Each later delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout caps the whole retry sequence. The zero value (default)
// disables the cap.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log
// at WARN and final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on throttling errors. Compose
// with any Provider:
//
//	llm := agos.NewLLMService(agos.WithRetry(provider))
//	llm := agos.NewLLMService(agos.WithRetry(provider, agos.RetryMaxAttempts(5)))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

var _ Provider = (*retryProvider)(nil)

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for attempt := 1; ; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isThrottle(err) {
			return resp, err
		}
		last = err
		if attempt == r.maxAttempts {
			break
		}
		r.logger.Warn("provider throttled, backing off",
			"provider", r.inner.Name(),
			"status", httpStatusOf(err),
			"attempt", attempt,
			"max_attempts", r.maxAttempts)
		if err := sleepCtx(ctx, retryDelay(r.baseDelay, attempt-1, err)); err != nil {
			return ChatResponse{}, err
		}
	}
	r.logger.Error("provider still throttled, giving up",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"err", last)
	return ChatResponse{}, last
}

// Models forwards the health-check capability when the inner provider
// has it.
func (r *retryProvider) Models(ctx context.Context) ([]string, error) {
	if ml, ok := r.inner.(ModelLister); ok {
		return ml.Models(ctx)
	}
	return nil, nil
}

// withTimeout derives a deadline covering all attempts. An earlier
// deadline already on ctx wins.
func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// sleepCtx waits d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isThrottle reports whether err is an upstream rejection worth
// retrying.
func isThrottle(err error) bool {
	s := httpStatusOf(err)
	return s == http.StatusTooManyRequests || s == http.StatusServiceUnavailable
}

// httpStatusOf extracts the status code from an ErrHTTP, or 0.
func httpStatusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is the wait before retry i (0-indexed): exponential
// backoff, floored by the server's Retry-After when it asked for more.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	d := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > d {
		return e.RetryAfter
	}
	return d
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// ParseRetryAfter parses a Retry-After header value, either delta
// seconds or an HTTP-date. Anything unparseable maps to 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
