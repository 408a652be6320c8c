package store

import (
	"database/sql"
	"time"
)

// Message statuses. A message starts streaming and moves exactly once to a
// terminal status.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusFlagged   = "flagged"
)

type Session struct {
	ID               string          `json:"sessionId"`
	UserID           string          `json:"-"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model,omitempty"`
	Temperature      sql.NullFloat64 `json:"-"`
	MaxTokens        sql.NullInt32   `json:"-"`
	SystemPrompt     string          `json:"systemPrompt,omitempty"`
	Title            sql.NullString  `json:"-"`
	MessageCount     int             `json:"messageCount"`
	TotalTokens      int64           `json:"totalTokens"`
	IsActive         bool            `json:"isActive"`
	LastSummarisedAt sql.NullTime    `json:"-"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastActivityAt   time.Time       `json:"lastActivityAt"`
}

type Message struct {
	ID             string         `json:"messageId"`
	SessionID      string         `json:"sessionId"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	TokenCount     int            `json:"tokenCount"`
	Status         string         `json:"status"`
	ErrorType      sql.NullString `json:"-"`
	Provider       string         `json:"provider,omitempty"`
	Model          string         `json:"model,omitempty"`
	SummaryHash    sql.NullString `json:"-"`
	CorrelationID  sql.NullString `json:"-"`
	ResponseTimeMs int64          `json:"responseTimeMs,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type DailyUsage struct {
	UserID       string
	Day          time.Time
	TokensUsed   int64
	MessagesUsed int
}
