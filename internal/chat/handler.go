package chat

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/verba-ai/verba/internal/apierrors"
	"github.com/verba-ai/verba/internal/auth"
	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/contextmgr"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/orchestrator"
	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/safety"
	"github.com/verba-ai/verba/internal/store"
)

const (
	defaultSessionPageSize = 50
	maxSessionPageSize     = 200
)

// Handler serves the chat REST surface: session lifecycle, the streaming
// message endpoint and the context management operations.
type Handler struct {
	queries         store.Querier
	ctxmgr          *contextmgr.Manager
	orc             *orchestrator.Orchestrator
	registry        *provider.Registry
	gate            *safety.Gate
	clock           clock.Clock
	defaultProvider string
	logger          *logger.Logger
}

func NewHandler(q store.Querier, cm *contextmgr.Manager, o *orchestrator.Orchestrator, r *provider.Registry, g *safety.Gate, c clock.Clock, defaultProvider string, log *logger.Logger) *Handler {
	return &Handler{
		queries:         q,
		ctxmgr:          cm,
		orc:             o,
		registry:        r,
		gate:            g,
		clock:           c,
		defaultProvider: defaultProvider,
		logger:          log.WithComponent("chat"),
	}
}

// RegisterRoutes wires the chat surface onto an authenticated route group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chat/session", h.CreateSession)
	rg.GET("/chat/sessions", h.ListSessions)
	rg.POST("/chat/message", h.StreamMessage)
	rg.POST("/chat/message/simple", h.SimpleMessage)
	rg.GET("/chat/sessions/:sessionId/messages", h.ListMessages)
	rg.GET("/chat/sessions/:sessionId/stats", h.SessionStats)
	rg.GET("/chat/sessions/:sessionId/export", h.ExportSession)
	rg.POST("/chat/sessions/:sessionId/summarize", h.SummarizeSession)
	rg.DELETE("/chat/sessions/:sessionId/context", h.ClearContext)
}

type createSessionRequest struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"maxTokens"`
	SystemPrompt string   `json:"systemPrompt"`
}

type sessionResponse struct {
	SessionID      string   `json:"sessionId"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model,omitempty"`
	Title          string   `json:"title,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
	MessageCount   int      `json:"messageCount"`
	TotalTokens    int64    `json:"totalTokens"`
	CreatedAt      string   `json:"createdAt"`
	LastActivityAt string   `json:"lastActivityAt"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	out := sessionResponse{
		SessionID:      s.ID,
		Provider:       s.Provider,
		Model:          s.Model,
		SystemPrompt:   s.SystemPrompt,
		MessageCount:   s.MessageCount,
		TotalTokens:    s.TotalTokens,
		CreatedAt:      s.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		LastActivityAt: s.LastActivityAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if s.Title.Valid {
		out.Title = s.Title.String
	}
	if s.Temperature.Valid {
		t := s.Temperature.Float64
		out.Temperature = &t
	}
	if s.MaxTokens.Valid {
		n := int(s.MaxTokens.Int32)
		out.MaxTokens = &n
	}
	return out
}

func (h *Handler) CreateSession(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Missing authentication")
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithValidation(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if req.Provider == "" {
		req.Provider = h.defaultProvider
	}

	if err := h.gate.ValidateSessionCreate(safety.SessionCreateInput{
		Provider:     req.Provider,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
	}); err != nil {
		var verr *safety.ValidationError
		if errors.As(err, &verr) {
			apierrors.AbortWithValidation(c, "Invalid session settings", map[string]interface{}{verr.Field: verr.Reason})
			return
		}
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}

	session := &store.Session{
		ID:           uuid.NewString(),
		UserID:       principal.UserID,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		CreatedAt:    h.clock.Now(),
	}
	if req.Temperature != nil {
		session.Temperature = sql.NullFloat64{Float64: *req.Temperature, Valid: true}
	}
	if req.MaxTokens != nil {
		session.MaxTokens = sql.NullInt32{Int32: int32(*req.MaxTokens), Valid: true}
	}

	if err := h.queries.CreateSession(c.Request.Context(), session); err != nil {
		h.logger.WithContext(c.Request.Context()).Error("session creation failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}

	session.IsActive = true
	session.LastActivityAt = session.CreatedAt
	c.JSON(http.StatusCreated, toSessionResponse(session))
}

func (h *Handler) ListSessions(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Missing authentication")
		return
	}

	limit := queryInt(c, "limit", defaultSessionPageSize)
	if limit < 1 || limit > maxSessionPageSize {
		limit = defaultSessionPageSize
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.queries.ListSessions(c.Request.Context(), principal.UserID, limit, offset)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("session listing failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

func (h *Handler) ListMessages(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	messages, err := h.queries.ListMessages(c.Request.Context(), session.ID)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("message listing failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}

	type messageResponse struct {
		MessageID  string `json:"messageId"`
		Role       string `json:"role"`
		Content    string `json:"content"`
		TokenCount int    `json:"tokenCount"`
		Status     string `json:"status"`
		ErrorType  string `json:"errorType,omitempty"`
		Provider   string `json:"provider,omitempty"`
		Model      string `json:"model,omitempty"`
		CreatedAt  string `json:"createdAt"`
	}
	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		mr := messageResponse{
			MessageID:  m.ID,
			Role:       m.Role,
			Content:    m.Content,
			TokenCount: m.TokenCount,
			Status:     m.Status,
			Provider:   m.Provider,
			Model:      m.Model,
			CreatedAt:  m.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		}
		if m.ErrorType.Valid {
			mr.ErrorType = m.ErrorType.String
		}
		out = append(out, mr)
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "messages": out, "count": len(out)})
}

func (h *Handler) SessionStats(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	stats, err := h.ctxmgr.Stats(c.Request.Context(), session)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("stats computation failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "stats": stats})
}

func (h *Handler) SummarizeSession(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	if err := h.ctxmgr.Summarise(c.Request.Context(), session.ID); err != nil {
		h.logger.WithContext(c.Request.Context()).Error("summarisation failed", slog.String("error", err.Error()))
		apierrors.AbortWithUnavailable(c, "Summarisation is temporarily unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "status": "ok"})
}

func (h *Handler) ClearContext(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	keepSystem := c.Query("keepSystem") != "false"
	n, err := h.ctxmgr.Clear(c.Request.Context(), session, keepSystem)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("context clear failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "deleted": n, "keepSystem": keepSystem})
}

// ownedSession resolves the path session and enforces ownership. Foreign
// sessions look exactly like missing ones.
func (h *Handler) ownedSession(c *gin.Context) (*store.Session, bool) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Missing authentication")
		return nil, false
	}

	sessionID := c.Param("sessionId")
	if _, err := uuid.Parse(sessionID); err != nil {
		apierrors.AbortWithValidation(c, "Invalid session id", map[string]interface{}{"sessionId": "must be a UUID"})
		return nil, false
	}

	session, err := h.queries.GetSessionForUser(c.Request.Context(), sessionID, principal.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apierrors.AbortWithNotFound(c, "Session not found")
			return nil, false
		}
		h.logger.WithContext(c.Request.Context()).Error("session lookup failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return nil, false
	}
	return session, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
