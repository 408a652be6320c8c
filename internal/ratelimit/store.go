package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetAt   int64 `json:"reset_at"` // epoch milliseconds
	Total     int   `json:"total"`    // configured maximum for the window
	Current   int   `json:"current"`  // usage counted in the window
}

// Store answers admit-or-reject questions for two orthogonal budgets:
// request counts and token counts, each over a sliding window per key.
//
// Keys are namespaced by the caller: "ip:<addr>", "user:<id>",
// "chat:<userId>", "tokens:<userId>".
type Store interface {
	// CheckRequest counts requests in the window. On Allowed it records the
	// new request.
	CheckRequest(ctx context.Context, key string, window time.Duration, max int) (Decision, error)

	// CheckTokens checks a window-bounded token budget. The charge is
	// applied only when the decision is Allowed.
	CheckTokens(ctx context.Context, key string, window time.Duration, charge, max int) (Decision, error)
}
