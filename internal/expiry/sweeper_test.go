package expiry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/store"
)

func TestSweepOnce(t *testing.T) {
	mem := store.NewMemStore()
	fake := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	log := logger.New(logger.Config{Level: slog.LevelError})
	ctx := context.Background()

	idle := &store.Session{ID: uuid.NewString(), UserID: "u1", Provider: "mock", CreatedAt: fake.Now().AddDate(0, 0, -40)}
	mem.CreateSession(ctx, idle)
	fresh := &store.Session{ID: uuid.NewString(), UserID: "u1", Provider: "mock", CreatedAt: fake.Now().Add(-time.Hour)}
	mem.CreateSession(ctx, fresh)

	s := NewSweeper(mem, fake, 30*24*time.Hour, log)
	n, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}

	// Deactivated sessions vanish from listings but keep their transcript.
	sessions, _ := mem.ListSessions(ctx, "u1", 10, 0)
	if len(sessions) != 1 || sessions[0].ID != fresh.ID {
		t.Errorf("only the fresh session should be listed: %+v", sessions)
	}
	if _, err := mem.GetSession(ctx, idle.ID); err != nil {
		t.Errorf("expired session should still resolve: %v", err)
	}

	// A second sweep finds nothing new.
	if n, _ := s.SweepOnce(ctx); n != 0 {
		t.Errorf("repeat sweep should be a no-op, got %d", n)
	}
}
