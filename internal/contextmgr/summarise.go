package contextmgr

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/store"
)

const summarisePrompt = `Summarise the following conversation concisely. Preserve facts the user
stated about themselves, decisions that were made, and any open questions.
Write in third person, at most 200 words.`

// Summarise condenses old conversation turns into a single summary
// message. Turns inside the recent activity window are left alone so the
// model keeps verbatim access to what the user just said. The pass is
// all-or-nothing: on any failure the stored context is unchanged.
func (m *Manager) Summarise(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	all, err := m.queries.ListMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("summarise: %w", err)
	}

	cutoff := m.clock.Now().Add(-m.cfg.RecentWindow)
	var old []store.Message
	for _, msg := range all {
		if msg.Status != store.StatusComplete || msg.Role == "system" {
			continue
		}
		if msg.CreatedAt.Before(cutoff) {
			old = append(old, msg)
		}
	}

	// One old message is not worth a model call.
	if len(old) < 2 {
		return nil
	}

	var transcript, condensed strings.Builder
	var oldTokens int64
	ids := make([]string, 0, len(old))
	for _, msg := range old {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
		condensed.WriteString(msg.Content)
		oldTokens += int64(msg.TokenCount)
		ids = append(ids, msg.ID)
	}

	adapter := m.registry.GetWorking(ctx, m.cfg.SummariserProvider)
	result, err := adapter.Generate(ctx, provider.Request{
		SystemPrompt: summarisePrompt,
		Messages:     []provider.Message{{Role: "user", Content: transcript.String()}},
	})
	if err != nil {
		m.metrics.Summarisations.WithLabelValues("error").Inc()
		return fmt.Errorf("summarise: %w", err)
	}
	if strings.TrimSpace(result.Text) == "" {
		m.metrics.Summarisations.WithLabelValues("error").Inc()
		return fmt.Errorf("summarise: empty summary from %s", adapter.Name())
	}

	// The hash fingerprints what was condensed, so re-running over the
	// same content is detectable.
	hash := md5.Sum([]byte(condensed.String()))
	tokens := result.OutputTokens
	if tokens == 0 {
		tokens = provider.EstimateTokens(result.Text)
	}

	summary := &store.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        RoleSummary,
		Content:     result.Text,
		TokenCount:  tokens,
		Status:      store.StatusComplete,
		Provider:    adapter.Name(),
		SummaryHash: nullString(hex.EncodeToString(hash[:])),
		// Summaries are dated at the oldest condensed turn so they sort
		// ahead of everything they replace.
		CreatedAt: old[0].CreatedAt,
	}
	if err := m.queries.InsertMessage(ctx, summary); err != nil {
		m.metrics.Summarisations.WithLabelValues("error").Inc()
		return fmt.Errorf("summarise: %w", err)
	}
	if err := m.queries.DeleteMessages(ctx, ids); err != nil {
		m.metrics.Summarisations.WithLabelValues("error").Inc()
		return fmt.Errorf("summarise: %w", err)
	}
	if err := m.queries.BumpSessionCounters(ctx, sessionID, 1-len(old), int64(tokens)-oldTokens, m.clock.Now()); err != nil {
		return fmt.Errorf("summarise: %w", err)
	}
	if err := m.queries.MarkSessionSummarised(ctx, sessionID, m.clock.Now()); err != nil {
		return fmt.Errorf("summarise: %w", err)
	}

	m.metrics.Summarisations.WithLabelValues("ok").Inc()
	m.logger.WithContext(ctx).Info("condensed session history",
		slog.String("session_id", sessionID),
		slog.Int("messages", len(old)),
		slog.Int64("tokens_before", oldTokens),
		slog.Int("tokens_after", tokens))
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
