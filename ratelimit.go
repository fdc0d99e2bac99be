package toolflow

import (
	"context"
	"sync"
	"time"
)

// rateLimitedModel delays model turns until the per-minute request and token
// budgets allow them.
type rateLimitedModel struct {
	inner Model
	now   func() time.Time

	mu       sync.Mutex
	rpm      int
	requests []time.Time
	tpm      int
	tokens   []tokenEntry
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitedModel)

// RPM caps model turns per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitedModel) { r.rpm = n }
}

// TPM caps input plus output tokens per minute. Usage is only known once a
// turn finishes, so the turn that crosses the budget completes and later
// turns wait for the window to slide.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitedModel) { r.tpm = n }
}

// WithRateLimit wraps m with proactive rate limiting. With no positive limit
// m is returned unchanged.
//
//	model = toolflow.WithRateLimit(model, toolflow.RPM(60), toolflow.TPM(200000))
func WithRateLimit(m Model, opts ...RateLimitOption) Model {
	r := &rateLimitedModel{inner: m, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.rpm <= 0 && r.tpm <= 0 {
		return m
	}
	return r
}

func (r *rateLimitedModel) Name() string { return r.inner.Name() }

func (r *rateLimitedModel) Converse(ctx context.Context, req ModelRequest, ch chan<- ModelEvent) error {
	if err := r.wait(ctx); err != nil {
		close(ch)
		return err
	}
	if r.tpm <= 0 {
		return r.inner.Converse(ctx, req, ch)
	}

	inner := make(chan ModelEvent, max(cap(ch), 16))
	var used int
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for ev := range inner {
			if ev.Type == ModelDone {
				used = ev.Usage.InputTokens + ev.Usage.OutputTokens
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				for range inner {
				}
				return
			}
		}
	}()

	err := r.inner.Converse(ctx, req, inner)
	<-done
	r.record(used)
	return err
}

// wait blocks until both budgets have room, reserving a request slot.
func (r *rateLimitedModel) wait(ctx context.Context) error {
	for {
		d := r.reserve()
		if d == 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes a request slot and returns 0, or returns how long to wait
// before trying again.
func (r *rateLimitedModel) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)
	for len(r.requests) > 0 && !r.requests[0].After(cutoff) {
		r.requests = r.requests[1:]
	}
	for len(r.tokens) > 0 && !r.tokens[0].at.After(cutoff) {
		r.tokens = r.tokens[1:]
	}

	var wait time.Duration
	if r.rpm > 0 && len(r.requests) >= r.rpm {
		wait = r.requests[0].Add(time.Minute).Sub(now)
	}
	if r.tpm > 0 && len(r.tokens) > 0 {
		total := 0
		for _, e := range r.tokens {
			total += e.tokens
		}
		if total >= r.tpm {
			// Both budgets need room, so the later window wins.
			wait = max(wait, r.tokens[0].at.Add(time.Minute).Sub(now))
		}
	}
	if wait > 0 {
		return max(wait, 10*time.Millisecond)
	}
	if r.rpm > 0 {
		r.requests = append(r.requests, now)
	}
	return 0
}

func (r *rateLimitedModel) record(tokens int) {
	if tokens <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens = append(r.tokens, tokenEntry{at: r.now(), tokens: tokens})
	r.mu.Unlock()
}

var _ Model = (*rateLimitedModel)(nil)
