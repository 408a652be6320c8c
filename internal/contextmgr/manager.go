package contextmgr

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/metrics"
	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/store"
)

// RoleSummary marks a message that condenses earlier turns. Summaries
// always survive trimming and clearing.
const RoleSummary = "summary"

type Config struct {
	MaxContextTokens   int
	SummariseThreshold int
	RecentWindow       time.Duration
	SummariserProvider string
}

// Manager owns the conversation history of a session: loading it within
// the token budget, appending turns, and condensing old turns into
// summaries when the session grows past the threshold.
type Manager struct {
	queries  store.Querier
	registry *provider.Registry
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	logger   *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(q store.Querier, r *provider.Registry, c clock.Clock, cfg Config, m *metrics.Metrics, log *logger.Logger) *Manager {
	return &Manager{
		queries:  q,
		registry: r,
		clock:    c,
		cfg:      cfg,
		metrics:  m,
		logger:   log.WithComponent("contextmgr"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock serialises summarisation per session. The map grows with
// active sessions and entries are never reclaimed; a mutex is small enough
// that the expiry sweep horizon bounds the cost.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// Load assembles the provider context for a session: the system prompt and
// summaries always, then conversation messages newest-first until the
// token budget is reached, returned in chronological order. Messages that
// never completed are excluded.
func (m *Manager) Load(ctx context.Context, session *store.Session) ([]provider.Message, error) {
	all, err := m.queries.ListMessages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	var pinned []provider.Message // system + summaries, in order
	var conversation []store.Message
	budget := m.cfg.MaxContextTokens

	for _, msg := range all {
		if msg.Status != store.StatusComplete {
			continue
		}
		switch msg.Role {
		case "system", RoleSummary:
			pinned = append(pinned, provider.Message{Role: msg.Role, Content: msg.Content})
			budget -= msg.TokenCount
		default:
			conversation = append(conversation, msg)
		}
	}

	// Walk backwards so the most recent turns win the budget.
	start := len(conversation)
	for start > 0 {
		cost := conversation[start-1].TokenCount
		if cost == 0 {
			cost = provider.EstimateTokens(conversation[start-1].Content)
		}
		if budget-cost < 0 {
			break
		}
		budget -= cost
		start--
	}

	out := pinned
	for _, msg := range conversation[start:] {
		out = append(out, provider.Message{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// Append stores a completed message and updates the session counters. When
// tokenCount is zero the count is estimated from the content. Crossing the
// summarisation threshold triggers a background summarisation pass.
func (m *Manager) Append(ctx context.Context, session *store.Session, role, content string, tokenCount int, providerName, model, correlationID string) (*store.Message, error) {
	if tokenCount == 0 {
		tokenCount = provider.EstimateTokens(content)
	}

	msg := &store.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       role,
		Content:    content,
		TokenCount: tokenCount,
		Status:     store.StatusComplete,
		Provider:   providerName,
		Model:      model,
		CreatedAt:  m.clock.Now(),
	}
	if correlationID != "" {
		msg.CorrelationID = sql.NullString{String: correlationID, Valid: true}
	}
	if err := m.queries.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.queries.BumpSessionCounters(ctx, session.ID, 1, int64(tokenCount), msg.CreatedAt); err != nil {
		return nil, err
	}
	session.MessageCount++
	session.TotalTokens += int64(tokenCount)
	session.LastActivityAt = msg.CreatedAt

	m.MaybeSummarise(session)
	return msg, nil
}

// MaybeSummarise starts a background summarisation pass when the session
// has grown past the threshold.
func (m *Manager) MaybeSummarise(session *store.Session) {
	if session.TotalTokens >= int64(m.cfg.SummariseThreshold) {
		m.triggerSummarise(session.ID)
	}
}

// triggerSummarise runs a summarisation pass detached from the request.
// Failures only log; the conversation keeps working unsummarised.
func (m *Manager) triggerSummarise(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := m.Summarise(ctx, sessionID); err != nil {
			m.logger.Error("background summarisation failed",
				"session_id", sessionID, "error", err.Error())
		}
	}()
}

// Clear removes a session's messages, optionally keeping the system
// message, and rolls the counters back by what was removed. Flagged and
// still-streaming messages never contributed to the counters, so they are
// deleted without a counter delta.
func (m *Manager) Clear(ctx context.Context, session *store.Session, keepSystem bool) (int64, error) {
	all, err := m.queries.ListMessages(ctx, session.ID)
	if err != nil {
		return 0, err
	}

	var removedTokens int64
	var removedCount int
	for _, msg := range all {
		if keepSystem && msg.Role == "system" {
			continue
		}
		if msg.Status == store.StatusFlagged || msg.Status == store.StatusStreaming {
			continue
		}
		removedTokens += int64(msg.TokenCount)
		removedCount++
	}

	n, err := m.queries.DeleteSessionMessages(ctx, session.ID, keepSystem)
	if err != nil {
		return 0, err
	}
	if err := m.queries.BumpSessionCounters(ctx, session.ID, -removedCount, -removedTokens, m.clock.Now()); err != nil {
		return n, err
	}
	session.MessageCount -= removedCount
	session.TotalTokens -= removedTokens
	return n, nil
}

// Stats describes the stored context of a session.
type Stats struct {
	TotalTokens        int64      `json:"totalTokens"`
	MessageCount       int        `json:"messageCount"`
	UserMessages       int        `json:"userMessages"`
	AssistantMessages  int        `json:"assistantMessages"`
	NeedsSummarisation bool       `json:"needsSummarisation"`
	LastSummarisedAt   *time.Time `json:"lastSummarisedAt"`
}

func (m *Manager) Stats(ctx context.Context, session *store.Session) (Stats, error) {
	s := Stats{
		MessageCount:       session.MessageCount,
		TotalTokens:        session.TotalTokens,
		NeedsSummarisation: session.TotalTokens > int64(m.cfg.SummariseThreshold),
	}
	if session.LastSummarisedAt.Valid {
		at := session.LastSummarisedAt.Time
		s.LastSummarisedAt = &at
	}

	all, err := m.queries.ListMessages(ctx, session.ID)
	if err != nil {
		return s, err
	}
	for _, msg := range all {
		switch msg.Role {
		case "user":
			s.UserMessages++
		case "assistant":
			s.AssistantMessages++
		}
	}
	return s, nil
}
