package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Querier. It backs tests and local development
// runs without a Postgres instance; semantics mirror the SQL layer,
// including the finalisation status guard.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	messages map[string]*Message
	usage    map[string]*DailyUsage
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		messages: make(map[string]*Message),
		usage:    make(map[string]*DailyUsage),
	}
}

func (m *MemStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.IsActive = true
	cp.LastActivityAt = s.CreatedAt
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) GetSessionForUser(ctx context.Context, id, userID string) (*Session, error) {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) SetSessionTitleIfEmpty(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && !s.Title.Valid {
		s.Title.String = title
		s.Title.Valid = true
	}
	return nil
}

func (m *MemStore) BumpSessionCounters(ctx context.Context, id string, deltaMessages int, deltaTokens int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.MessageCount += deltaMessages
	s.TotalTokens += deltaTokens
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
	return nil
}

func (m *MemStore) MarkSessionSummarised(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastSummarisedAt = sql.NullTime{Time: at, Valid: true}
	return nil
}

func (m *MemStore) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.IsActive && s.LastActivityAt.Before(cutoff) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (m *MemStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *MemStore) FinalizeMessage(ctx context.Context, id, content string, tokenCount int, responseTimeMs int64, status, errorType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != StatusStreaming {
		return false, nil
	}
	msg.Content = content
	msg.TokenCount = tokenCount
	msg.ResponseTimeMs = responseTimeMs
	msg.Status = status
	if errorType != "" {
		msg.ErrorType.String = errorType
		msg.ErrorType.Valid = true
	}
	return true, nil
}

func (m *MemStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) DeleteMessages(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.messages, id)
	}
	return nil
}

func (m *MemStore) DeleteSessionMessages(ctx context.Context, sessionID string, keepSystem bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, msg := range m.messages {
		if msg.SessionID != sessionID {
			continue
		}
		if keepSystem && msg.Role == "system" {
			continue
		}
		delete(m.messages, id)
		n++
	}
	return n, nil
}

func usageKey(userID string, day time.Time) string {
	return userID + ":" + day.Format("2006-01-02")
}

func (m *MemStore) GetDailyUsage(ctx context.Context, userID string, day time.Time) (DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usage[usageKey(userID, day)]; ok {
		return *u, nil
	}
	return DailyUsage{UserID: userID, Day: day}, nil
}

func (m *MemStore) AddDailyUsage(ctx context.Context, userID string, day time.Time, tokens int64, messages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(userID, day)
	u, ok := m.usage[key]
	if !ok {
		u = &DailyUsage{UserID: userID, Day: day}
		m.usage[key] = u
	}
	u.TokensUsed += tokens
	u.MessagesUsed += messages
	return nil
}
