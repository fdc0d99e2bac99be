package toolflow

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxIter bounds the model/tool cycles of one run.
const DefaultMaxIter = 25

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	id            string
	logger        *slog.Logger
	tracer        Tracer
	maxIter       int
	retry         RetryPolicy
	modelRetry    RetryPolicy
	timeout       time.Duration
	maxOutput     int
	maxParallel   int
	checkpoint    Checkpointer
	reader        TargetReader
	autoApprove   map[ApprovalClass]bool
	systemPrompt  string
	loopWindow    int
	loopThreshold int
	gate          *Gate
	sleep         sleepFunc
}

// WithSessionID sets the session ID. Defaults to a new UUIDv7.
func WithSessionID(id string) Option {
	return func(c *sessionConfig) { c.id = id }
}

// WithLogger sets the structured logger. If not set, logging is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) { c.logger = l }
}

// WithTracer sets the tracer for session, batch, model and call spans.
func WithTracer(t Tracer) Option {
	return func(c *sessionConfig) { c.tracer = t }
}

// WithMaxIter sets the iteration budget of a run (default 25).
func WithMaxIter(n int) Option {
	return func(c *sessionConfig) { c.maxIter = n }
}

// WithRetryPolicy sets the retry policy for tool calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *sessionConfig) { c.retry = p }
}

// WithModelRetryPolicy sets the retry policy for model calls.
func WithModelRetryPolicy(p RetryPolicy) Option {
	return func(c *sessionConfig) { c.modelRetry = p }
}

// WithCallTimeout sets the per-attempt timeout of tool calls (default 2m).
// Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *sessionConfig) { c.timeout = d }
}

// WithMaxOutputRunes caps the tool output fed back to the model.
func WithMaxOutputRunes(n int) Option {
	return func(c *sessionConfig) { c.maxOutput = n }
}

// WithMaxParallel caps concurrent calls inside one parallel group (default 10).
func WithMaxParallel(n int) Option {
	return func(c *sessionConfig) { c.maxParallel = n }
}

// WithCheckpointer records transitions, snapshots and results.
func WithCheckpointer(cp Checkpointer) Option {
	return func(c *sessionConfig) { c.checkpoint = cp }
}

// WithTargetReader sets how target content is read for snapshots, diffs and
// loop detection. Defaults to the backend when it implements TargetReader.
func WithTargetReader(r TargetReader) Option {
	return func(c *sessionConfig) { c.reader = r }
}

// WithAutoApprove skips the approval gate for the given classes.
func WithAutoApprove(classes ...ApprovalClass) Option {
	return func(c *sessionConfig) {
		for _, cl := range classes {
			c.autoApprove[cl] = true
		}
	}
}

// WithSystemPrompt prefixes every model request with a system message.
func WithSystemPrompt(s string) Option {
	return func(c *sessionConfig) { c.systemPrompt = s }
}

// WithLoopDetection sets the loop detector window (iterations remembered)
// and threshold (consecutive identical iterations that count as a loop).
func WithLoopDetection(window, threshold int) Option {
	return func(c *sessionConfig) {
		c.loopWindow = window
		c.loopThreshold = threshold
	}
}

// WithGate uses an existing gate instead of creating one.
func WithGate(g *Gate) Option {
	return func(c *sessionConfig) { c.gate = g }
}

// Session owns the state of one conversation: its messages, approval gate
// and loop history. Collaborators are injected; sessions share nothing, so
// any number of them can run side by side. A session runs one task at a time.
type Session struct {
	id       string
	catalog  Catalog
	model    Model
	exec     *executor
	gate     *Gate
	detector *LoopDetector
	cfg      sessionConfig

	running atomic.Bool
	mu      sync.Mutex
	history []Message
}

// NewSession creates a session over the given collaborators.
func NewSession(catalog Catalog, backend Backend, model Model, opts ...Option) *Session {
	cfg := sessionConfig{
		maxIter:     DefaultMaxIter,
		retry:       DefaultRetryPolicy(),
		modelRetry:  DefaultRetryPolicy(),
		timeout:     DefaultCallTimeout,
		maxOutput:   DefaultMaxOutputRunes,
		maxParallel: DefaultMaxParallel,
		autoApprove: make(map[ApprovalClass]bool),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = NewID()
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.maxIter <= 0 {
		cfg.maxIter = DefaultMaxIter
	}
	if cfg.maxParallel <= 0 {
		cfg.maxParallel = DefaultMaxParallel
	}
	if cfg.reader == nil {
		if r, ok := backend.(TargetReader); ok {
			cfg.reader = r
		}
	}
	logger := cfg.logger.With("session_id", cfg.id)
	if cfg.gate == nil {
		cfg.gate = NewGate(logger)
	}

	return &Session{
		id:       cfg.id,
		catalog:  catalog,
		model:    model,
		gate:     cfg.gate,
		detector: NewLoopDetector(cfg.loopWindow, cfg.loopThreshold),
		cfg:      cfg,
		exec: &executor{
			sessionID:   cfg.id,
			catalog:     catalog,
			backend:     backend,
			reader:      cfg.reader,
			gate:        cfg.gate,
			autoApprove: cfg.autoApprove,
			retry:       cfg.retry,
			timeout:     cfg.timeout,
			maxOutput:   cfg.maxOutput,
			maxParallel: cfg.maxParallel,
			checkpoint:  cfg.checkpoint,
			logger:      logger,
			tracer:      cfg.tracer,
			sleep:       cfg.sleep,
		},
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Gate returns the session's approval gate.
func (s *Session) Gate() *Gate { return s.gate }

// Approve approves the pending gated call.
func (s *Session) Approve() error { return s.gate.Approve() }

// Reject rejects the pending gated call. The rest of its batch's serial
// queue is skipped and the run ends.
func (s *Session) Reject() error { return s.gate.Reject() }

// Pending returns the call waiting for approval, if any.
func (s *Session) Pending() (ApprovalRequest, bool) { return s.gate.Pending() }

// Resolve decides the pending approval if it is for callID.
func (s *Session) Resolve(callID string, approved bool) error {
	return s.gate.Resolve(callID, approved)
}

// Messages returns a copy of the conversation so far.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// Reset clears the conversation and loop history. It fails while a run is active.
func (s *Session) Reset() error {
	if s.running.Load() {
		return ErrSessionBusy
	}
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	s.detector.Reset()
	return nil
}

func (s *Session) appendMessages(msgs ...Message) {
	s.mu.Lock()
	s.history = append(s.history, msgs...)
	s.mu.Unlock()
}

// requestMessages is the message list sent to the model.
func (s *Session) requestMessages() []Message {
	msgs := s.Messages()
	if s.cfg.systemPrompt == "" {
		return msgs
	}
	return append([]Message{{Role: RoleSystem, Content: s.cfg.systemPrompt}}, msgs...)
}
