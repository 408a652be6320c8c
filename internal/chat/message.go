package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/verba-ai/verba/internal/apierrors"
	"github.com/verba-ai/verba/internal/auth"
	"github.com/verba-ai/verba/internal/orchestrator"
	"github.com/verba-ai/verba/internal/safety"
)

type messageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Provider  string `json:"provider"`
}

// sseTransport writes orchestrator frames as server-sent events. The SSE
// headers go out lazily with the first frame, so an admission rejection can
// still answer with a plain JSON status.
type sseTransport struct {
	mu      sync.Mutex
	writer  gin.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSETransport(c *gin.Context) (*sseTransport, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseTransport{writer: c.Writer, flusher: flusher}, true
}

func (t *sseTransport) Send(f orchestrator.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		h := t.writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		t.writer.WriteHeader(http.StatusOK)
		t.started = true
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// StreamMessage runs a turn and streams the response as SSE frames. The
// admission checks answer with plain JSON status codes; once streaming
// starts every outcome arrives as a terminal frame inside the stream.
func (h *Handler) StreamMessage(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Missing authentication")
		return
	}

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithValidation(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	transport, ok := newSSETransport(c)
	if !ok {
		apierrors.AbortWithInternal(c, "Streaming unsupported")
		return
	}

	in := orchestrator.TurnInput{UserID: principal.UserID, SessionID: req.SessionID, Content: req.Message, ProviderOverride: req.Provider}
	if _, err := h.orc.HandleTurn(c.Request.Context(), in, transport); err != nil {
		// Admission failures reach here before any frame was written, so
		// the response is still plain JSON.
		h.abortTurnError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// SimpleMessage runs a turn without streaming and answers with the final
// response in one JSON document.
func (h *Handler) SimpleMessage(c *gin.Context) {
	principal, ok := auth.GetPrincipal(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Missing authentication")
		return
	}

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithValidation(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	collector := &collectingTransport{}
	in := orchestrator.TurnInput{UserID: principal.UserID, SessionID: req.SessionID, Content: req.Message, ProviderOverride: req.Provider}
	res, err := h.orc.HandleTurn(c.Request.Context(), in, collector)
	if err != nil {
		h.abortTurnError(c, err)
		return
	}

	out := gin.H{
		"sessionId": req.SessionID,
		"messageId": res.MessageID,
		"content":   res.Content,
		"outcome":   res.Outcome,
	}
	if res.Outcome == orchestrator.OutcomeCompleted {
		out["usage"] = res.Usage
	} else if terminal := collector.terminal(); terminal != nil {
		out["errorType"] = terminal.ErrorType
		out["retryable"] = terminal.Retryable
	}
	c.JSON(http.StatusOK, out)
}

// collectingTransport swallows token frames and keeps the terminal frame.
type collectingTransport struct {
	mu   sync.Mutex
	last *orchestrator.Frame
}

func (t *collectingTransport) Send(f orchestrator.Frame) error {
	if f.Type == "token" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := f
	t.last = &cp
	return nil
}

func (t *collectingTransport) terminal() *orchestrator.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// abortTurnError maps orchestrator admission errors to HTTP responses.
func (h *Handler) abortTurnError(c *gin.Context, err error) {
	var verr *safety.ValidationError
	if errors.As(err, &verr) {
		apierrors.AbortWithValidation(c, "Invalid message", map[string]interface{}{verr.Field: verr.Reason})
		return
	}

	var berr *orchestrator.SafetyBlockedError
	if errors.As(err, &berr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "Content flagged",
			"flags": berr.Flags,
		})
		return
	}

	var rerr *orchestrator.RateLimitedError
	if errors.As(err, &rerr) {
		d := rerr.Decision
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", d.Total))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt))
		apierrors.AbortWithRateLimit(c, &apierrors.RateLimitError{
			Error:             "Too many requests",
			Limit:             d.Total,
			Used:              d.Current,
			ResetsAt:          time.UnixMilli(d.ResetAt),
			RetryAfterSeconds: d.RetryAfterSeconds(),
		})
		return
	}

	var qerr *orchestrator.QuotaExceededError
	if errors.As(err, &qerr) {
		midnight := h.clock.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		apierrors.AbortWithQuota(c, midnight)
		return
	}

	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		apierrors.AbortWithNotFound(c, "Session not found")
	case errors.Is(err, orchestrator.ErrTurnInFlight):
		apierrors.AbortWithConflict(c, "A response is already being generated for this session")
	default:
		h.logger.LogError(c.Request.Context(), err, "turn failed")
		apierrors.AbortWithInternal(c, "Internal server error")
	}
}
