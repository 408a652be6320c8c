package chat

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/verba-ai/verba/internal/apierrors"
	"github.com/verba-ai/verba/internal/contextmgr"
	"github.com/verba-ai/verba/internal/store"
)

// ExportSession downloads the full transcript of a session as JSON or
// plain text.
func (h *Handler) ExportSession(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}

	format := c.DefaultQuery("format", "json")
	if format != "json" && format != "text" {
		apierrors.AbortWithValidation(c, "Invalid export format", map[string]interface{}{"format": "must be json or text"})
		return
	}

	messages, err := h.queries.ListMessages(c.Request.Context(), session.ID)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("export failed", slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Internal server error")
		return
	}

	filename := fmt.Sprintf("session-%s.%s", session.ID, map[string]string{"json": "json", "text": "txt"}[format])
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	if format == "text" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(renderTranscript(session, messages)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":  toSessionResponse(session),
		"messages": messages,
	})
}

// renderTranscript formats a session as a readable text log. Messages that
// never completed are annotated rather than hidden.
func renderTranscript(session *store.Session, messages []store.Message) string {
	var b strings.Builder

	title := session.ID
	if session.Title.Valid {
		title = session.Title.String
	}
	fmt.Fprintf(&b, "# %s\n", title)
	fmt.Fprintf(&b, "# provider: %s  created: %s\n\n", session.Provider, session.CreatedAt.UTC().Format("2006-01-02 15:04:05"))

	if session.SystemPrompt != "" {
		fmt.Fprintf(&b, "[system] %s\n\n", session.SystemPrompt)
	}

	for _, m := range messages {
		label := m.Role
		if m.Role == contextmgr.RoleSummary {
			label = "summary of earlier conversation"
		}
		if m.Status != store.StatusComplete {
			label = fmt.Sprintf("%s, %s", label, m.Status)
		}
		fmt.Fprintf(&b, "[%s] %s\n\n", label, m.Content)
	}
	return b.String()
}
