package toolflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GateState is the state of the approval gate.
type GateState string

const (
	GateIdle     GateState = "idle"
	GateAwaiting GateState = "awaiting"
)

// ApprovalRequest is what the user is asked to approve.
type ApprovalRequest struct {
	CallID      string          `json:"call_id"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args"`
	Class       ApprovalClass   `json:"class"`
	Targets     []string        `json:"targets,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// ApprovalNotifier is told when a request starts waiting, so a UI can show
// it. It must not block.
type ApprovalNotifier func(ApprovalRequest)

// Approver exposes the pending approval of a Gate or Session to a UI.
// Remote UIs should use Resolve so a decision only ever applies to the call
// the user was shown.
type Approver interface {
	Pending() (ApprovalRequest, bool)
	Approve() error
	Reject() error
	Resolve(callID string, approved bool) error
}

// Gate is a single-slot approval state machine. At most one request is
// pending at a time; Approve and Reject resolve it.
type Gate struct {
	mu      sync.Mutex
	pending *pendingApproval
	notify  []ApprovalNotifier
	logger  *slog.Logger
}

type pendingApproval struct {
	req      ApprovalRequest
	decision chan bool // buffered(1), written once
}

// NewGate creates an idle gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = nopLogger
	}
	return &Gate{logger: logger}
}

// OnRequest registers a notifier called whenever a request starts waiting.
func (g *Gate) OnRequest(fn ApprovalNotifier) {
	g.mu.Lock()
	g.notify = append(g.notify, fn)
	g.mu.Unlock()
}

// State returns the current gate state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return GateAwaiting
	}
	return GateIdle
}

// Pending returns the outstanding request, if any.
func (g *Gate) Pending() (ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ApprovalRequest{}, false
	}
	return g.pending.req, true
}

// Request moves the gate to awaiting and blocks until the request is
// approved, rejected, or ctx is cancelled. Cancellation resolves as a
// rejection and returns ctx.Err(). Calling Request while another request is
// pending returns ErrGateBusy without disturbing the pending one.
func (g *Gate) Request(ctx context.Context, req ApprovalRequest) (bool, error) {
	return g.request(ctx, req, nil)
}

// request is Request with a hook run after the request becomes pending and
// before the registered notifiers.
func (g *Gate) request(ctx context.Context, req ApprovalRequest, onPending func()) (bool, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	p := &pendingApproval{req: req, decision: make(chan bool, 1)}

	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		g.logger.Error("approval requested while another is pending",
			"call_id", req.CallID, "pending_call_id", g.pendingID())
		return false, ErrGateBusy
	}
	g.pending = p
	notify := append([]ApprovalNotifier(nil), g.notify...)
	g.mu.Unlock()

	g.logger.Info("awaiting approval", "call_id", req.CallID, "tool", req.Name, "class", req.Class)
	if onPending != nil {
		onPending()
	}
	for _, fn := range notify {
		fn(req)
	}

	select {
	case approved := <-p.decision:
		g.logger.Info("approval resolved", "call_id", req.CallID, "approved", approved)
		return approved, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.pending == p {
			g.pending = nil
		}
		g.mu.Unlock()
		g.logger.Info("approval cancelled", "call_id", req.CallID)
		return false, ctx.Err()
	}
}

// Approve resolves the pending request as approved.
func (g *Gate) Approve() error { return g.resolve(true) }

// Reject resolves the pending request as rejected.
func (g *Gate) Reject() error { return g.resolve(false) }

// Resolve decides the pending request only if it is for callID. Otherwise
// it returns ErrStaleApproval and leaves the gate untouched.
func (g *Gate) Resolve(callID string, approved bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ErrNoPendingApproval
	}
	if g.pending.req.CallID != callID {
		return fmt.Errorf("%w: %q (pending %q)", ErrStaleApproval, callID, g.pending.req.CallID)
	}
	g.decideLocked(approved)
	return nil
}

func (g *Gate) resolve(approved bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ErrNoPendingApproval
	}
	g.decideLocked(approved)
	return nil
}

func (g *Gate) decideLocked(approved bool) {
	g.pending.decision <- approved
	g.pending = nil
}

func (g *Gate) pendingID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ""
	}
	return g.pending.req.CallID
}

var (
	_ Approver = (*Gate)(nil)
	_ Approver = (*Session)(nil)
)
