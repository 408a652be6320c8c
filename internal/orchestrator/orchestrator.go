package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/contextmgr"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/metrics"
	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/ratelimit"
	"github.com/verba-ai/verba/internal/safety"
	"github.com/verba-ai/verba/internal/store"
)

// Frame is one event delivered to a client transport during a turn. Token
// frames carry the fragment in Content; done frames carry the full text,
// usage and elapsed time; error frames carry the taxonomy and a message.
type Frame struct {
	Type         string   `json:"type"` // token, done, error
	SessionID    string   `json:"sessionId,omitempty"`
	MessageID    string   `json:"messageId,omitempty"`
	Content      string   `json:"content,omitempty"`
	Usage        *Usage   `json:"usage,omitempty"`
	ResponseTime int64    `json:"responseTime,omitempty"` // milliseconds
	ErrorType    string   `json:"errorType,omitempty"`
	Message      string   `json:"message,omitempty"`
	Flags        []string `json:"flags,omitempty"`
	Retryable    bool     `json:"retryable,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Transport delivers frames to one client. Send must be safe to call from
// the relay goroutine; a returned error marks the client as gone and stops
// further delivery, but never stops the turn.
type Transport interface {
	Send(Frame) error
}

// Outcome classifies how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFlagged   Outcome = "flagged"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

type TurnInput struct {
	UserID    string
	SessionID string
	Content   string
	// ProviderOverride selects the adapter for this turn only; empty means
	// the session's provider.
	ProviderOverride string
}

type TurnResult struct {
	Outcome   Outcome
	MessageID string
	Content   string
	Usage     Usage
}

// Admission errors. Handlers map these to transport-level responses before
// any streaming starts.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnInFlight    = errors.New("a turn is already in flight for this session")
)

// ErrCancelledByUser is the cancellation cause set by Cancel.
var ErrCancelledByUser = errors.New("cancelled by user")

// RateLimitedError carries the rejecting decision for Retry-After headers.
type RateLimitedError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited until %d", e.Decision.ResetAt)
}

// QuotaExceededError reports an exhausted daily budget. Resource names the
// exhausted dimension, "tokens" or "requests".
type QuotaExceededError struct {
	Resource string
	Used     int64
	Budget   int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded: %d of %d %s used", e.Used, e.Budget, e.Resource)
}

// SafetyBlockedError rejects a turn whose inbound content was flagged
// above the confidence threshold. Nothing is persisted.
type SafetyBlockedError struct {
	Flags []string
	Reply safety.SafeReply
}

func (e *SafetyBlockedError) Error() string {
	return fmt.Sprintf("content flagged: %s", strings.Join(e.Flags, ","))
}

type Config struct {
	TurnTimeout       time.Duration
	ChatWindow        time.Duration
	ChatMaxRequests   int
	DailyTokenBudget  int64
	DailyRequestLimit int
}

// Orchestrator runs the turn pipeline: admission, context assembly,
// provider streaming and finalisation. One turn per session at a time.
type Orchestrator struct {
	queries  store.Querier
	ctxmgr   *contextmgr.Manager
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	gate     *safety.Gate
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc // keyed by session id
}

func New(q store.Querier, cm *contextmgr.Manager, r *provider.Registry, l *ratelimit.Limiter, g *safety.Gate, c clock.Clock, cfg Config, m *metrics.Metrics, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		queries:  q,
		ctxmgr:   cm,
		registry: r,
		limiter:  l,
		gate:     g,
		clock:    c,
		cfg:      cfg,
		metrics:  m,
		logger:   log.WithComponent("orchestrator"),
		active:   make(map[string]context.CancelCauseFunc),
	}
}

// begin claims the session's turn slot. The returned context survives a
// client disconnect: generation runs to completion and persists even when
// nobody is listening anymore.
func (o *Orchestrator) begin(ctx context.Context, sessionID string) (context.Context, func(), error) {
	o.mu.Lock()
	if _, exists := o.active[sessionID]; exists {
		o.mu.Unlock()
		return nil, nil, ErrTurnInFlight
	}

	turnCtx := context.WithoutCancel(ctx)
	turnCtx, timeoutCancel := context.WithTimeout(turnCtx, o.cfg.TurnTimeout)
	turnCtx, cancel := context.WithCancelCause(turnCtx)
	o.active[sessionID] = cancel
	o.mu.Unlock()

	release := func() {
		o.mu.Lock()
		delete(o.active, sessionID)
		o.mu.Unlock()
		cancel(nil)
		timeoutCancel()
	}
	return turnCtx, release, nil
}

// Cancel aborts the session's in-flight turn. It reports whether a turn
// was running locally.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[sessionID]
	o.mu.Unlock()
	if ok {
		cancel(ErrCancelledByUser)
	}
	return ok
}

// ActiveTurns reports how many turns are streaming on this instance.
func (o *Orchestrator) ActiveTurns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}
