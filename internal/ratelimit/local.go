package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// LocalStore is the in-process fallback store. It under-counts across
// instances, which is an accepted fail-open degradation when the shared
// store is unreachable.
type LocalStore struct {
	mu sync.Mutex

	// requests holds event timestamps (epoch ms) per key, ascending.
	requests map[string][]int64

	// tokens holds window-bounded counters per key.
	tokens map[string]tokenWindow

	// checks since the last compaction sweep.
	checks int
}

type tokenWindow struct {
	count   int
	resetAt int64 // epoch ms
}

// compactEvery is the average number of checks between full sweeps of
// expired keys. Compaction is probabilistic to keep the hot path cheap.
const compactEvery = 64

func NewLocalStore() *LocalStore {
	return &LocalStore{
		requests: make(map[string][]int64),
		tokens:   make(map[string]tokenWindow),
	}
}

func (s *LocalStore) CheckRequest(_ context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now().UnixMilli()
	cutoff := now - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCompact(cutoff)

	events := s.requests[key]

	// Expire entries older than the window. Events are appended in time
	// order, so the live suffix starts at the first event past the cutoff.
	live := 0
	for live < len(events) && events[live] <= cutoff {
		live++
	}
	events = events[live:]

	current := len(events)
	resetAt := now + window.Milliseconds()
	if current > 0 {
		resetAt = events[0] + window.Milliseconds()
	}

	if current >= max {
		s.requests[key] = events
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt, Total: max, Current: current}, nil
	}

	events = append(events, now)
	s.requests[key] = events

	return Decision{
		Allowed:   true,
		Remaining: max - current - 1,
		ResetAt:   resetAt,
		Total:     max,
		Current:   current + 1,
	}, nil
}

func (s *LocalStore) CheckTokens(_ context.Context, key string, window time.Duration, charge, max int) (Decision, error) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.tokens[key]
	if !ok || w.resetAt <= now {
		w = tokenWindow{count: 0, resetAt: now + window.Milliseconds()}
	}

	if w.count+charge > max {
		remaining := max - w.count
		if remaining < 0 {
			remaining = 0
		}
		s.tokens[key] = w
		return Decision{Allowed: false, Remaining: remaining, ResetAt: w.resetAt, Total: max, Current: w.count}, nil
	}

	w.count += charge
	s.tokens[key] = w

	return Decision{
		Allowed:   true,
		Remaining: max - w.count,
		ResetAt:   w.resetAt,
		Total:     max,
		Current:   w.count,
	}, nil
}

// maybeCompact sweeps fully-expired keys on a probabilistic schedule.
// Caller must hold s.mu.
func (s *LocalStore) maybeCompact(cutoff int64) {
	s.checks++
	if s.checks < compactEvery || rand.Intn(2) == 0 {
		return
	}
	s.checks = 0

	for key, events := range s.requests {
		if len(events) == 0 || events[len(events)-1] <= cutoff {
			delete(s.requests, key)
		}
	}

	now := time.Now().UnixMilli()
	for key, w := range s.tokens {
		if w.resetAt <= now {
			delete(s.tokens, key)
		}
	}
}
