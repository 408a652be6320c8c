package safety

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	maxMessageLength      = 4000
	maxSystemPromptLength = 2000
	maxTokensCeiling      = 4000
)

// ValidationError describes a schema violation on inbound input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation-error: %s %s", e.Field, e.Reason)
}

// MessageInput is the inbound shape checked before a turn is admitted.
type MessageInput struct {
	Content   string
	Role      string
	SessionID string
}

// SessionCreateInput is the inbound shape for session creation.
type SessionCreateInput struct {
	Provider     string
	Model        string
	Temperature  *float64
	MaxTokens    *int
	SystemPrompt string
}

// Gate guards the orchestrator's inbound and outbound text. Patterns are
// deliberately explicit and minimal; content is never silently rewritten.
type Gate struct {
	knownProviders   map[string]bool
	inboundThreshold float64
}

// NewGate creates a gate that accepts the given provider names and refuses
// inbound content flagged above the confidence threshold.
func NewGate(knownProviders []string, inboundThreshold float64) *Gate {
	known := make(map[string]bool, len(knownProviders))
	for _, p := range knownProviders {
		known[p] = true
	}
	return &Gate{knownProviders: known, inboundThreshold: inboundThreshold}
}

// InboundThreshold returns the confidence above which flagged content is refused.
func (g *Gate) InboundThreshold() float64 { return g.inboundThreshold }

// ValidateMessage checks the message schema: content length in [1, 4000],
// a known role, and a UUID session id.
func (g *Gate) ValidateMessage(in MessageInput) error {
	if len(in.Content) < 1 || len(in.Content) > maxMessageLength {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("must be between 1 and %d characters", maxMessageLength)}
	}

	switch in.Role {
	case "user", "assistant", "system":
	default:
		return &ValidationError{Field: "role", Reason: "must be one of user, assistant, system"}
	}

	if _, err := uuid.Parse(in.SessionID); err != nil {
		return &ValidationError{Field: "sessionId", Reason: "must be a UUID"}
	}

	return nil
}

// ValidateSessionCreate checks session settings against their bounds.
func (g *Gate) ValidateSessionCreate(in SessionCreateInput) error {
	if !g.knownProviders[in.Provider] {
		return &ValidationError{Field: "provider", Reason: "unknown provider " + in.Provider}
	}

	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}

	if in.MaxTokens != nil && (*in.MaxTokens < 1 || *in.MaxTokens > maxTokensCeiling) {
		return &ValidationError{Field: "maxTokens", Reason: fmt.Sprintf("must be between 1 and %d", maxTokensCeiling)}
	}

	if len(in.SystemPrompt) > maxSystemPromptLength {
		return &ValidationError{Field: "systemPrompt", Reason: fmt.Sprintf("must be at most %d characters", maxSystemPromptLength)}
	}

	return nil
}

// quickBypass reports whether inbound text is short and innocuous enough to
// skip screening. This is a deliberate false-negative bias that keeps
// latency low for the common case.
func quickBypass(text string) bool {
	if len(text) >= 500 {
		return false
	}
	lower := strings.ToLower(text)
	return !strings.Contains(lower, "system") && !strings.Contains(lower, "ignore")
}
