package agos

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with client-side quota tracking.
// Mission interpretation, summaries, scout text analysis, and vision
// calls all draw on one upstream API quota; a request is admitted only
// while the trailing minute of traffic is under the configured budgets.
type rateLimitProvider struct {
	inner Provider

	mu        sync.Mutex
	rpm       int         // max requests per minute, 0 disables
	tpm       int         // max tokens per minute, 0 disables
	rpmWindow []time.Time // admit times, oldest first
	tpmWindow []tpmEntry  // charged usage, oldest first
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM caps admitted requests per sliding minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM caps tokens per sliding minute, input and output combined. The
// cap is soft: usage is only known once a response arrives, so the
// request that crosses the line completes and later requests wait.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p so that calls park, instead of failing
// upstream, once the per-minute budgets are spent. Compose with other
// wrappers:
//
//	p := agos.WithRateLimit(provider, agos.RPM(60))
//	p := agos.WithRateLimit(agos.WithRetry(provider), agos.RPM(60), agos.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Provider = (*rateLimitProvider)(nil)

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// Models forwards the health-check capability when the inner provider
// has it.
func (r *rateLimitProvider) Models(ctx context.Context) ([]string, error) {
	if ml, ok := r.inner.(ModelLister); ok {
		return ml.Models(ctx)
	}
	return nil, nil
}

// admit parks until both budgets have room, then reserves a request
// slot. Cancelling ctx while parked returns ctx.Err().
func (r *rateLimitProvider) admit(ctx context.Context) error {
	for {
		retry, ok := r.tryReserve(time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryReserve prunes both windows, then either reserves a request slot
// or reports how long until the oldest blocking entry slides out.
func (r *rateLimitProvider) tryReserve(now time.Time) (retry time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
	r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

	var oldest time.Time
	if r.rpm > 0 && len(r.rpmWindow) >= r.rpm {
		oldest = r.rpmWindow[0]
	}
	if r.tpm > 0 && r.spentLocked() >= r.tpm {
		if t := r.tpmWindow[0].at; oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	if !oldest.IsZero() {
		retry = oldest.Add(time.Minute).Sub(now)
		if retry <= 0 {
			retry = 10 * time.Millisecond
		}
		return retry, false
	}

	if r.rpm > 0 {
		r.rpmWindow = append(r.rpmWindow, now)
	}
	return 0, true
}

func (r *rateLimitProvider) spentLocked() int {
	total := 0
	for _, e := range r.tpmWindow {
		total += e.tokens
	}
	return total
}

// recordUsage charges a completed response against the token window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	total := u.InputTokens + u.OutputTokens
	if r.tpm <= 0 || total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTime drops leading entries older than cutoff. Windows append in
// time order, so the survivors are one contiguous tail.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm is pruneTime for usage records.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}
