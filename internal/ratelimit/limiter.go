package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/metrics"
)

// Limiter is the admission gate for request and token budgets. It prefers
// the shared store when one is configured and falls back to the in-process
// store when the shared store fails. Internal errors never reject a
// request: the limiter fails open and reports the error via a metric.
type Limiter struct {
	shared  Store // nil when no shared counter store is configured
	local   *LocalStore
	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewLimiter(shared Store, m *metrics.Metrics, log *logger.Logger) *Limiter {
	return &Limiter{
		shared:  shared,
		local:   NewLocalStore(),
		metrics: m,
		logger:  log.WithComponent("ratelimit"),
	}
}

// CheckRequest admits or rejects one request against the key's window.
func (l *Limiter) CheckRequest(ctx context.Context, key string, window time.Duration, max int) Decision {
	return l.check(ctx, key, func(s Store) (Decision, error) {
		return s.CheckRequest(ctx, key, window, max)
	}, max)
}

// CheckTokens charges tokens against the key's window budget.
func (l *Limiter) CheckTokens(ctx context.Context, key string, window time.Duration, charge, max int) Decision {
	return l.check(ctx, key, func(s Store) (Decision, error) {
		return s.CheckTokens(ctx, key, window, charge, max)
	}, max)
}

func (l *Limiter) check(ctx context.Context, key string, fn func(Store) (Decision, error), max int) Decision {
	if l.shared != nil {
		decision, err := fn(l.shared)
		if err == nil {
			l.observe(decision)
			return decision
		}

		l.metrics.RateLimitFallback.Inc()
		l.logger.WithContext(ctx).Warn("shared store failed, using local fallback",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}

	decision, err := fn(l.local)
	if err != nil {
		// Fail open: any internal error allows the request.
		l.metrics.RateLimitErrors.Inc()
		l.logger.WithContext(ctx).Error("rate limit check failed, allowing request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return Decision{
			Allowed:   true,
			Remaining: max,
			ResetAt:   time.Now().UnixMilli(),
			Total:     max,
		}
	}

	l.observe(decision)
	return decision
}

func (l *Limiter) observe(d Decision) {
	if d.Allowed {
		l.metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		l.metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
	}
}

// RetryAfterSeconds converts a decision's reset time to whole seconds for
// the Retry-After header, never less than 1 for a rejected decision.
func (d Decision) RetryAfterSeconds() int {
	secs := int(time.Until(time.UnixMilli(d.ResetAt)).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
