package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/safety"
	"github.com/verba-ai/verba/internal/store"
)

const titleMaxLength = 48

// HandleTurn runs one conversation turn end to end. A non-nil error means
// the turn was rejected before streaming started and nothing was persisted;
// afterwards every path finalises the assistant message exactly once and
// reports its outcome in the result.
func (o *Orchestrator) HandleTurn(ctx context.Context, in TurnInput, tr Transport) (TurnResult, error) {
	log := o.logger.WithContext(ctx)

	// Admission. Order matters: cheap schema checks first, then quota and
	// rate limits, then the screening pass.
	if err := o.gate.ValidateMessage(safety.MessageInput{Content: in.Content, Role: "user", SessionID: in.SessionID}); err != nil {
		return TurnResult{}, err
	}

	session, err := o.queries.GetSessionForUser(ctx, in.SessionID, in.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TurnResult{}, ErrSessionNotFound
		}
		return TurnResult{}, err
	}

	day := o.clock.Now().UTC().Truncate(24 * time.Hour)
	usage, err := o.queries.GetDailyUsage(ctx, in.UserID, day)
	if err != nil {
		return TurnResult{}, err
	}
	if o.cfg.DailyTokenBudget > 0 && usage.TokensUsed >= o.cfg.DailyTokenBudget {
		return TurnResult{}, &QuotaExceededError{Resource: "tokens", Used: usage.TokensUsed, Budget: o.cfg.DailyTokenBudget}
	}
	if o.cfg.DailyRequestLimit > 0 && usage.MessagesUsed >= o.cfg.DailyRequestLimit {
		return TurnResult{}, &QuotaExceededError{Resource: "requests", Used: int64(usage.MessagesUsed), Budget: int64(o.cfg.DailyRequestLimit)}
	}

	if d := o.limiter.CheckRequest(ctx, "chat:"+in.UserID, o.cfg.ChatWindow, o.cfg.ChatMaxRequests); !d.Allowed {
		return TurnResult{}, &RateLimitedError{Decision: d}
	}

	// Flagged input is rejected outright. Nothing reaches the store and the
	// provider is never called.
	if screen := o.gate.ScreenInbound(in.Content); screen.Flagged && screen.Confidence >= o.gate.InboundThreshold() {
		log.Info("inbound message refused",
			slog.String("session_id", in.SessionID),
			slog.String("flags", screen.FlagSummary()),
			slog.Float64("confidence", screen.Confidence))
		o.metrics.Turns.WithLabelValues(string(OutcomeFlagged)).Inc()
		return TurnResult{}, &SafetyBlockedError{Flags: screen.Flags, Reply: safety.ReplyForFlag(screen.PrimaryFlag())}
	}

	turnCtx, release, err := o.begin(ctx, in.SessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()

	// Everything persisted from here on must land even when the client
	// disconnects mid-stream, so writes run on a context detached from the
	// request's cancellation.
	persistCtx := context.WithoutCancel(ctx)

	corrID := logger.CorrelationID(ctx)
	if corrID == "" {
		corrID = logger.GenerateCorrelationID()
	}

	// Context assembly. History is loaded before the user message is
	// appended so the new turn is not duplicated in the request.
	history, err := o.ctxmgr.Load(persistCtx, session)
	if err != nil {
		return TurnResult{}, err
	}
	if _, err := o.ctxmgr.Append(persistCtx, session, "user", in.Content, 0, "", "", corrID); err != nil {
		return TurnResult{}, err
	}
	if !session.Title.Valid {
		if err := o.queries.SetSessionTitleIfEmpty(persistCtx, session.ID, deriveTitle(in.Content)); err != nil {
			log.Warn("title derivation failed", slog.String("error", err.Error()))
		}
	}

	providerName := session.Provider
	if in.ProviderOverride != "" {
		providerName = in.ProviderOverride
	}
	adapter := o.registry.Resolve(providerName)

	pending := &store.Message{
		ID:            uuid.NewString(),
		SessionID:     session.ID,
		Role:          "assistant",
		Status:        store.StatusStreaming,
		Provider:      adapter.Name(),
		Model:         session.Model,
		CorrelationID: nullString(corrID),
		CreatedAt:     o.clock.Now(),
	}
	if err := o.queries.InsertMessage(persistCtx, pending); err != nil {
		return TurnResult{}, err
	}

	req := provider.Request{
		Model:        session.Model,
		Messages:     append(history, provider.Message{Role: "user", Content: in.Content}),
		SystemPrompt: session.SystemPrompt,
	}
	if session.Temperature.Valid {
		t := session.Temperature.Float64
		req.Temperature = &t
	}
	if session.MaxTokens.Valid {
		n := int(session.MaxTokens.Int32)
		req.MaxTokens = &n
	}

	relay := newRelay(tr, o.metrics)
	defer relay.Close()

	o.metrics.ActiveStreams.Inc()
	defer o.metrics.ActiveStreams.Dec()

	turnStart := o.clock.Now()
	events, err := adapter.Stream(turnCtx, req)
	if err != nil {
		log.Error("stream start failed",
			slog.String("provider", adapter.Name()),
			slog.String("error", err.Error()))
		o.metrics.ProviderErrors.WithLabelValues(adapter.Name()).Inc()
		return o.failTurn(persistCtx, in, session, pending, relay, "", turnStart, safety.ErrTypeProvider, OutcomeError), nil
	}

	var partial strings.Builder
	var result provider.Result
	var streamErr error
	completed := false
	for ev := range events {
		switch ev.Kind {
		case provider.EventToken:
			partial.WriteString(ev.Token)
			relay.Send(Frame{Type: "token", SessionID: session.ID, MessageID: pending.ID, Content: ev.Token})
		case provider.EventDone:
			result = ev.Result
			completed = true
		case provider.EventErr:
			streamErr = ev.Err
		}
	}

	if !completed {
		switch {
		case errors.Is(context.Cause(turnCtx), ErrCancelledByUser):
			return o.cancelTurn(persistCtx, in, session, pending, relay, partial.String(), turnStart), nil
		case errors.Is(streamErr, context.DeadlineExceeded) || errors.Is(turnCtx.Err(), context.DeadlineExceeded):
			log.Warn("turn deadline exceeded", slog.String("session_id", session.ID))
			return o.failTurn(persistCtx, in, session, pending, relay, partial.String(), turnStart, safety.ErrTypeTimeout, OutcomeTimeout), nil
		default:
			log.Error("provider stream failed",
				slog.String("provider", adapter.Name()),
				slog.String("error", errString(streamErr)))
			o.metrics.ProviderErrors.WithLabelValues(adapter.Name()).Inc()
			return o.failTurn(persistCtx, in, session, pending, relay, partial.String(), turnStart, safety.ErrTypeProvider, OutcomeError), nil
		}
	}

	return o.finishTurn(persistCtx, in, session, pending, relay, result, turnStart, log), nil
}

// finishTurn screens and persists a completed response.
func (o *Orchestrator) finishTurn(ctx context.Context, in TurnInput, session *store.Session, pending *store.Message, relay *relay, result provider.Result, turnStart time.Time, log *logger.Logger) TurnResult {
	elapsed := o.clock.Now().Sub(turnStart).Milliseconds()

	if screen := o.gate.ScreenOutbound(result.Text); screen.Flagged {
		log.Warn("outbound response withheld",
			slog.String("session_id", session.ID),
			slog.String("flags", screen.FlagSummary()))
		reply := safety.ReplyForFlag(screen.PrimaryFlag())
		won, err := o.queries.FinalizeMessage(ctx, pending.ID, reply.Text, 0, elapsed, store.StatusFlagged, reply.ErrorType)
		if err != nil {
			log.Error("finalisation failed", slog.String("error", err.Error()))
		}
		if won {
			o.accountTurn(ctx, in.UserID, session, 0, 0, log)
			relay.Send(Frame{
				Type:      "error",
				SessionID: session.ID,
				MessageID: pending.ID,
				ErrorType: reply.ErrorType,
				Message:   reply.Text,
				Retryable: reply.Retryable,
			})
		}
		o.metrics.Turns.WithLabelValues(string(OutcomeFlagged)).Inc()
		return TurnResult{Outcome: OutcomeFlagged, MessageID: pending.ID, Content: reply.Text}
	}

	outputTokens := result.OutputTokens
	if outputTokens == 0 {
		outputTokens = provider.EstimateTokens(result.Text)
	}

	won, err := o.queries.FinalizeMessage(ctx, pending.ID, result.Text, outputTokens, elapsed, store.StatusComplete, "")
	if err != nil {
		log.Error("finalisation failed", slog.String("error", err.Error()))
		o.metrics.Turns.WithLabelValues(string(OutcomeError)).Inc()
		return TurnResult{Outcome: OutcomeError, MessageID: pending.ID}
	}
	if !won {
		// A concurrent terminal transition (cancellation) beat us.
		o.metrics.Turns.WithLabelValues(string(OutcomeCancelled)).Inc()
		return TurnResult{Outcome: OutcomeCancelled, MessageID: pending.ID}
	}

	o.accountTurn(ctx, in.UserID, session, outputTokens, result.InputTokens+outputTokens, log)
	o.ctxmgr.MaybeSummarise(session)

	usage := Usage{InputTokens: result.InputTokens, OutputTokens: outputTokens}
	relay.Send(Frame{
		Type:         "done",
		SessionID:    session.ID,
		MessageID:    pending.ID,
		Content:      result.Text,
		Usage:        &usage,
		ResponseTime: elapsed,
	})

	o.metrics.Turns.WithLabelValues(string(OutcomeCompleted)).Inc()
	return TurnResult{Outcome: OutcomeCompleted, MessageID: pending.ID, Content: result.Text, Usage: usage}
}

// accountTurn records one finalised assistant message against the session
// counters and the user's daily usage. Every turn that wins finalisation
// counts, including errored and cancelled ones, so quota reflects what was
// actually consumed. Session counters carry the stored message's tokens;
// daily usage additionally carries the input side.
func (o *Orchestrator) accountTurn(ctx context.Context, userID string, session *store.Session, storedTokens, usageTokens int, log *logger.Logger) {
	now := o.clock.Now()
	if err := o.queries.BumpSessionCounters(ctx, session.ID, 1, int64(storedTokens), now); err != nil {
		log.Error("counter update failed", slog.String("error", err.Error()))
	}
	session.MessageCount++
	session.TotalTokens += int64(storedTokens)
	session.LastActivityAt = now

	day := now.UTC().Truncate(24 * time.Hour)
	if err := o.queries.AddDailyUsage(ctx, userID, day, int64(usageTokens), 1); err != nil {
		log.Error("usage accounting failed", slog.String("error", err.Error()))
	}
}

// failTurn finalises a turn that produced no usable response. Partial text
// is kept on the stored message for inspection; the client gets the canned
// reply.
func (o *Orchestrator) failTurn(ctx context.Context, in TurnInput, session *store.Session, pending *store.Message, relay *relay, partial string, turnStart time.Time, errorType string, outcome Outcome) TurnResult {
	log := o.logger
	reply := safety.SafeResponse(errorType)
	partialTokens := provider.EstimateTokens(partial)
	elapsed := o.clock.Now().Sub(turnStart).Milliseconds()
	won, err := o.queries.FinalizeMessage(ctx, pending.ID, partial, partialTokens, elapsed, store.StatusError, errorType)
	if err != nil {
		log.Error("finalisation failed", slog.String("error", err.Error()))
	}
	if won {
		o.accountTurn(ctx, in.UserID, session, partialTokens, partialTokens, log)
		relay.Send(Frame{
			Type:      "error",
			SessionID: session.ID,
			MessageID: pending.ID,
			ErrorType: reply.ErrorType,
			Message:   reply.Text,
			Retryable: reply.Retryable,
		})
	}
	o.metrics.Turns.WithLabelValues(string(outcome)).Inc()
	return TurnResult{Outcome: outcome, MessageID: pending.ID, Content: partial}
}

// cancelTurn finalises a user-cancelled turn, keeping the partial text.
func (o *Orchestrator) cancelTurn(ctx context.Context, in TurnInput, session *store.Session, pending *store.Message, relay *relay, partial string, turnStart time.Time) TurnResult {
	partialTokens := provider.EstimateTokens(partial)
	elapsed := o.clock.Now().Sub(turnStart).Milliseconds()
	won, err := o.queries.FinalizeMessage(ctx, pending.ID, partial, partialTokens, elapsed, store.StatusCancelled, "cancelled")
	if err != nil {
		o.logger.Error("finalisation failed", slog.String("error", err.Error()))
	}
	if won {
		o.accountTurn(ctx, in.UserID, session, partialTokens, partialTokens, o.logger)
		relay.Send(Frame{
			Type:      "error",
			SessionID: session.ID,
			MessageID: pending.ID,
			ErrorType: "cancelled",
			Message:   "Generation cancelled.",
			Retryable: true,
		})
	}
	o.metrics.Turns.WithLabelValues(string(OutcomeCancelled)).Inc()
	return TurnResult{Outcome: OutcomeCancelled, MessageID: pending.ID, Content: partial}
}

// deriveTitle turns the first user message into a session title.
func deriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if len(title) <= titleMaxLength {
		return title
	}
	cut := title[:titleMaxLength]
	if idx := strings.LastIndexByte(cut, ' '); idx > titleMaxLength/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
