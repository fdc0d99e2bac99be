package toolflow

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// RetryPolicy controls how failed tool and model calls are retried.
// The delay before retry n (1-based) is InitialDelay × BackoffMultiplier^(n−1).
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	// Retryable decides whether an error is worth another attempt.
	// Nil means IsTransient.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient errors three times starting at 500ms,
// doubling each time.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2,
		Retryable:         IsTransient,
	}
}

// NoRetry never retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(n-1)))
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransient(err)
	}
	return p.Retryable(err)
}

// retryDelay is the policy delay, raised to the server's Retry-After when
// the error carries one.
func (p RetryPolicy) retryDelay(n int, err error) time.Duration {
	d := p.Delay(n)
	if ra := retryAfterOf(err); ra > d {
		return ra
	}
	return d
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// retryCall calls fn until it succeeds, fails with a non-retryable error,
// or the policy's retries are exhausted. It returns the number of retries
// performed alongside fn's result.
func retryCall[T any](ctx context.Context, p RetryPolicy, sleep sleepFunc, name string, logger *slog.Logger, fn func() (T, error)) (T, int, error) {
	var zero T
	retries := 0
	for {
		result, err := fn()
		if err == nil {
			return result, retries, nil
		}
		if ctx.Err() != nil {
			return zero, retries, err
		}
		if !p.retryable(err) {
			return result, retries, err
		}
		if retries >= p.MaxRetries {
			logger.Error("all retry attempts exhausted",
				"name", name,
				"retries", retries,
				"error", err)
			return result, retries, err
		}
		retries++
		delay := p.retryDelay(retries, err)
		logger.Warn("retrying transient error",
			"name", name,
			"status", statusOf(err),
			"retry", retries,
			"max_retries", p.MaxRetries,
			"delay", delay,
			"error", err)
		if serr := sleep(ctx, delay); serr != nil {
			return zero, retries, serr
		}
	}
}

// converseWithRetry streams one model turn into ch, retrying transient
// errors only while nothing has been forwarded yet. Once an event reaches
// ch, errors pass through so no content is duplicated. ch is always closed.
func converseWithRetry(ctx context.Context, m Model, req ModelRequest, p RetryPolicy, sleep sleepFunc, logger *slog.Logger, ch chan<- ModelEvent) error {
	defer close(ch)
	retries := 0
	for {
		mid := make(chan ModelEvent, 64)
		var streamErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			streamErr = m.Converse(ctx, req, mid)
		}()

		sent := false
		for ev := range mid {
			sent = true
			select {
			case ch <- ev:
			case <-ctx.Done():
				// Drain so the producer can finish.
				for range mid {
				}
				<-done
				return ctx.Err()
			}
		}
		<-done

		if streamErr == nil || sent || ctx.Err() != nil || !p.retryable(streamErr) || retries >= p.MaxRetries {
			return streamErr
		}
		retries++
		delay := p.retryDelay(retries, streamErr)
		logger.Warn("retrying model call",
			"status", statusOf(streamErr),
			"retry", retries,
			"max_retries", p.MaxRetries,
			"delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
