package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// DBTX is the subset of database/sql used by the query layer, satisfied by
// both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Querier is the persistence contract consumed by the context manager,
// orchestrator and handlers. Tests substitute an in-memory fake.
type Querier interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionForUser(ctx context.Context, id, userID string) (*Session, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]Session, error)
	SetSessionTitleIfEmpty(ctx context.Context, id, title string) error
	BumpSessionCounters(ctx context.Context, id string, deltaMessages int, deltaTokens int64, at time.Time) error
	MarkSessionSummarised(ctx context.Context, id string, at time.Time) error
	DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int64, error)

	InsertMessage(ctx context.Context, m *Message) error
	FinalizeMessage(ctx context.Context, id, content string, tokenCount int, responseTimeMs int64, status, errorType string) (bool, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	DeleteMessages(ctx context.Context, ids []string) error
	DeleteSessionMessages(ctx context.Context, sessionID string, keepSystem bool) (int64, error)

	GetDailyUsage(ctx context.Context, userID string, day time.Time) (DailyUsage, error)
	AddDailyUsage(ctx context.Context, userID string, day time.Time, tokens int64, messages int) error
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

const createSession = `
INSERT INTO sessions (id, user_id, provider, model, temperature, max_tokens, system_prompt, created_at, last_activity_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`

func (q *Queries) CreateSession(ctx context.Context, s *Session) error {
	_, err := q.db.ExecContext(ctx, createSession,
		s.ID, s.UserID, s.Provider, s.Model, s.Temperature, s.MaxTokens, s.SystemPrompt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, provider, model, temperature, max_tokens, system_prompt,
	title, message_count, total_tokens, is_active, last_summarised_at, created_at, last_activity_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.UserID, &s.Provider, &s.Model, &s.Temperature, &s.MaxTokens,
		&s.SystemPrompt, &s.Title, &s.MessageCount, &s.TotalTokens, &s.IsActive,
		&s.LastSummarisedAt, &s.CreatedAt, &s.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func (q *Queries) GetSession(ctx context.Context, id string) (*Session, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (q *Queries) GetSessionForUser(ctx context.Context, id, userID string) (*Session, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND user_id = $2`, id, userID)
	return scanSession(row)
}

func (q *Queries) ListSessions(ctx context.Context, userID string, limit, offset int) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND is_active
		 ORDER BY last_activity_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func (q *Queries) SetSessionTitleIfEmpty(ctx context.Context, id, title string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sessions SET title = $2 WHERE id = $1 AND title IS NULL`, id, title)
	if err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// BumpSessionCounters applies counter deltas in a single statement so
// concurrent turns never lose updates.
func (q *Queries) BumpSessionCounters(ctx context.Context, id string, deltaMessages int, deltaTokens int64, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sessions
		 SET message_count = message_count + $2,
		     total_tokens = total_tokens + $3,
		     last_activity_at = GREATEST(last_activity_at, $4)
		 WHERE id = $1`, id, deltaMessages, deltaTokens, at)
	if err != nil {
		return fmt.Errorf("bump session counters: %w", err)
	}
	return nil
}

func (q *Queries) MarkSessionSummarised(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sessions SET last_summarised_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark session summarised: %w", err)
	}
	return nil
}

func (q *Queries) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = FALSE WHERE is_active AND last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deactivate idle sessions: %w", err)
	}
	return res.RowsAffected()
}

const insertMessage = `
INSERT INTO messages (id, session_id, role, content, token_count, status, error_type, provider, model, summary_hash, correlation_id, response_time_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (q *Queries) InsertMessage(ctx context.Context, m *Message) error {
	_, err := q.db.ExecContext(ctx, insertMessage,
		m.ID, m.SessionID, m.Role, m.Content, m.TokenCount, m.Status, m.ErrorType,
		m.Provider, m.Model, m.SummaryHash, m.CorrelationID, m.ResponseTimeMs, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FinalizeMessage moves a streaming message to a terminal status. The
// status guard makes the transition idempotent: a second finalisation of
// the same message matches zero rows and reports false.
func (q *Queries) FinalizeMessage(ctx context.Context, id, content string, tokenCount int, responseTimeMs int64, status, errorType string) (bool, error) {
	var errType sql.NullString
	if errorType != "" {
		errType = sql.NullString{String: errorType, Valid: true}
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE messages
		 SET content = $2, token_count = $3, response_time_ms = $4, status = $5, error_type = $6
		 WHERE id = $1 AND status = 'streaming'`,
		id, content, tokenCount, responseTimeMs, status, errType)
	if err != nil {
		return false, fmt.Errorf("finalize message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize message: %w", err)
	}
	return n > 0, nil
}

const messageColumns = `id, session_id, role, content, token_count, status, error_type,
	provider, model, summary_hash, correlation_id, response_time_ms, created_at`

func (q *Queries) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokenCount,
			&m.Status, &m.ErrorType, &m.Provider, &m.Model, &m.SummaryHash,
			&m.CorrelationID, &m.ResponseTimeMs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (q *Queries) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func (q *Queries) DeleteSessionMessages(ctx context.Context, sessionID string, keepSystem bool) (int64, error) {
	query := `DELETE FROM messages WHERE session_id = $1`
	if keepSystem {
		query += ` AND role <> 'system'`
	}
	res, err := q.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session messages: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queries) GetDailyUsage(ctx context.Context, userID string, day time.Time) (DailyUsage, error) {
	u := DailyUsage{UserID: userID, Day: day}
	err := q.db.QueryRowContext(ctx,
		`SELECT tokens_used, messages_used FROM usage_daily WHERE user_id = $1 AND day = $2`,
		userID, day.Format("2006-01-02")).Scan(&u.TokensUsed, &u.MessagesUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("get daily usage: %w", err)
	}
	return u, nil
}

func (q *Queries) AddDailyUsage(ctx context.Context, userID string, day time.Time, tokens int64, messages int) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO usage_daily (user_id, day, tokens_used, messages_used)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, day)
		 DO UPDATE SET tokens_used = usage_daily.tokens_used + $3,
		               messages_used = usage_daily.messages_used + $4`,
		userID, day.Format("2006-01-02"), tokens, messages)
	if err != nil {
		return fmt.Errorf("add daily usage: %w", err)
	}
	return nil
}
