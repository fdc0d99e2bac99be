// Package natsbridge connects a session to NATS. Approval requests and
// session events are published on subjects under a prefix, and decisions
// arriving on the decision subject resolve the pending approval.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/xiaochunkun/toolflow"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "toolflow"

// ErrStaleDecision is returned when a decision names a call that is not the
// pending one.
var ErrStaleDecision = toolflow.ErrStaleApproval

// Subjects are the NATS subjects a bridge uses.
type Subjects struct {
	Request  string
	Decision string
	Events   string
}

// SubjectsFor derives the subjects for prefix.
func SubjectsFor(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{
		Request:  prefix + ".approval.request",
		Decision: prefix + ".approval.decision",
		Events:   prefix + ".events",
	}
}

// Decision is the payload expected on the decision subject.
type Decision struct {
	CallID  string `json:"call_id"`
	Approve bool   `json:"approve"`
}

// DecisionReply is sent back when the decision message carries a reply
// subject.
type DecisionReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Bridge relays approvals and events between a session and NATS.
type Bridge struct {
	nc       *nats.Conn
	subjects Subjects
	approver toolflow.Approver
	logger   *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bridge) { b.subjects = SubjectsFor(prefix) }
}

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New creates a bridge over an established connection.
func New(nc *nats.Conn, approver toolflow.Approver, opts ...Option) *Bridge {
	b := &Bridge{
		nc:       nc,
		subjects: SubjectsFor(DefaultPrefix),
		approver: approver,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.DiscardHandler)
	}
	return b
}

// Connect dials url with a client name and reconnect logging.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nc, err := nats.Connect(url,
		nats.Name("toolflow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Subjects returns the subjects in use.
func (b *Bridge) Subjects() Subjects { return b.subjects }

// Start subscribes to the decision subject.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}
	sub, err := b.nc.Subscribe(b.subjects.Decision, b.onDecision)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subjects.Decision, err)
	}
	b.sub = sub
	b.logger.Info("nats bridge started", "decision_subject", b.subjects.Decision)
	return nil
}

// Close unsubscribes and flushes pending publishes. The connection stays
// open; its owner closes it.
func (b *Bridge) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	return b.nc.Flush()
}

// NotifyApproval publishes req on the request subject. It has the
// toolflow.ApprovalNotifier signature and never blocks on the network.
func (b *Bridge) NotifyApproval(req toolflow.ApprovalRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		b.logger.Error("encode approval request", "call_id", req.CallID, "error", err)
		return
	}
	if err := b.nc.Publish(b.subjects.Request, data); err != nil {
		b.logger.Error("publish approval request", "call_id", req.CallID, "error", err)
	}
}

// Publish sends ev on the events subject.
func (b *Bridge) Publish(ev toolflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.nc.Publish(b.subjects.Events, data)
}

func (b *Bridge) onDecision(msg *nats.Msg) {
	err := b.Resolve(msg.Data)
	if err != nil {
		b.logger.Warn("approval decision refused", "error", err)
	}
	if msg.Reply == "" {
		return
	}
	reply := DecisionReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if rerr := msg.Respond(data); rerr != nil {
		b.logger.Error("reply to decision", "error", rerr)
	}
}

// Resolve applies an encoded Decision to the approver. The decision must
// name the pending call.
func (b *Bridge) Resolve(data []byte) error {
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("decode decision: %w", err)
	}
	if err := b.approver.Resolve(d.CallID, d.Approve); err != nil {
		return err
	}
	b.logger.Info("approval resolved over nats", "call_id", d.CallID, "approved", d.Approve)
	return nil
}
