package toolflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrGateBusy is returned when an approval is requested while another
	// request is still pending. Callers must serialize gated calls.
	ErrGateBusy = errors.New("approval gate busy: another request is pending")
	// ErrNoPendingApproval is returned by Approve/Reject when the gate is idle.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrStaleApproval is returned by Resolve when the named call is not the
	// one awaiting approval.
	ErrStaleApproval = errors.New("call is not awaiting approval")
	// ErrSessionBusy is returned when Run is called while a run is active.
	ErrSessionBusy = errors.New("session already running")
	// ErrBudgetExceeded marks a run that hit its iteration cap.
	ErrBudgetExceeded = errors.New("iteration budget exceeded")
	// ErrCallTimeout is returned when a single tool call exceeds its timeout.
	ErrCallTimeout = errors.New("tool call timed out")
)

// ValidationError reports a malformed tool call proposal: unknown tool,
// malformed arguments, or a missing required parameter. Never retried.
type ValidationError struct {
	Tool    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid call to %s: %s: %s", e.Tool, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid call to %s: %s", e.Tool, e.Message)
}

// TransientError wraps an error that is expected to go away on retry
// (network blips, rate limits, busy resources).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// ToolError is a tool-level failure reported through Outcome.Error.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string { return e.Tool + ": " + e.Message }

// ErrApprovalRejected ends a run after the user declined a gated call.
type ErrApprovalRejected struct {
	CallID string
	Tool   string
}

func (e *ErrApprovalRejected) Error() string {
	return fmt.Sprintf("approval rejected for %s (call %s)", e.Tool, e.CallID)
}

// ErrLoopDetected ends a run whose model keeps re-issuing the same call
// without changing anything.
type ErrLoopDetected struct {
	Tool       string
	Count      int
	Reason     string
	Suggestion string
}

func (e *ErrLoopDetected) Error() string {
	return "loop detected: " + e.Reason
}

// ErrLLM is a model-side failure that is not an HTTP error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a model endpoint.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsTransient is the default retry predicate. Transient errors, per-call
// timeouts and HTTP 429/5xx responses are retryable; validation errors,
// tool failures and cancellation are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrCallTimeout) {
		return true
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. Unparseable or past values give 0.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
