package contextmgr

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/internal/clock"
	"github.com/verba-ai/verba/internal/logger"
	"github.com/verba-ai/verba/internal/metrics"
	"github.com/verba-ai/verba/internal/provider"
	"github.com/verba-ai/verba/internal/store"
)

func testManager(t *testing.T, cfg Config) (*Manager, *store.MemStore, *clock.Fake) {
	t.Helper()
	if cfg.MaxContextTokens == 0 {
		cfg.MaxContextTokens = 4000
	}
	if cfg.SummariseThreshold == 0 {
		cfg.SummariseThreshold = 1 << 30 // never triggers unless the test lowers it
	}
	if cfg.RecentWindow == 0 {
		cfg.RecentWindow = 30 * time.Minute
	}

	mem := store.NewMemStore()
	log := logger.New(logger.Config{Level: slog.LevelError})
	reg := provider.NewRegistry("mock", log)
	fake := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	return NewManager(mem, reg, fake, cfg, metrics.New(), log), mem, fake
}

func seedSession(t *testing.T, mem *store.MemStore, at time.Time) *store.Session {
	t.Helper()
	s := &store.Session{ID: uuid.NewString(), UserID: "u1", Provider: "mock", CreatedAt: at}
	if err := mem.CreateSession(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAppendUpdatesCounters(t *testing.T) {
	m, mem, fake := testManager(t, Config{})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	msg, err := m.Append(ctx, s, "user", "hello world!", 0, "", "", "corr-1")
	if err != nil {
		t.Fatal(err)
	}
	if !msg.CorrelationID.Valid || msg.CorrelationID.String != "corr-1" {
		t.Errorf("correlation id should be stored, got %+v", msg.CorrelationID)
	}
	if msg.TokenCount != provider.EstimateTokens("hello world!") {
		t.Errorf("token count should be estimated, got %d", msg.TokenCount)
	}
	if s.MessageCount != 1 || s.TotalTokens != int64(msg.TokenCount) {
		t.Errorf("session counters not updated: %+v", s)
	}

	stored, _ := mem.GetSession(ctx, s.ID)
	if stored.MessageCount != 1 || stored.TotalTokens != int64(msg.TokenCount) {
		t.Errorf("stored counters not updated: %+v", stored)
	}
}

func TestLoadExcludesIncompleteAndTrims(t *testing.T) {
	m, mem, fake := testManager(t, Config{MaxContextTokens: 10})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	add := func(role, content, status string, at time.Time) {
		mem.InsertMessage(ctx, &store.Message{
			ID: uuid.NewString(), SessionID: s.ID, Role: role, Content: content,
			TokenCount: provider.EstimateTokens(content), Status: status, CreatedAt: at,
		})
	}

	t0 := fake.Now()
	add("system", "be brief", store.StatusComplete, t0)
	add("user", "older message that costs tokens", store.StatusComplete, t0.Add(time.Minute))
	add("assistant", "failed reply", store.StatusError, t0.Add(2*time.Minute))
	add("user", "newest", store.StatusComplete, t0.Add(3*time.Minute))

	msgs, err := m.Load(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	// System is pinned; the old message does not fit the remaining budget;
	// the errored message is never loaded.
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[1].Content != "newest" {
		t.Errorf("unexpected context: %+v", msgs)
	}
}

func TestLoadKeepsChronologicalOrder(t *testing.T) {
	m, mem, fake := testManager(t, Config{})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	for i, content := range []string{"first", "second", "third"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		mem.InsertMessage(ctx, &store.Message{
			ID: uuid.NewString(), SessionID: s.ID, Role: role, Content: content,
			TokenCount: 1, Status: store.StatusComplete,
			CreatedAt: fake.Now().Add(time.Duration(i) * time.Minute),
		})
	}

	msgs, err := m.Load(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Errorf("context out of order: %+v", msgs)
	}
}

func TestSummariseCondensesOldTurns(t *testing.T) {
	m, mem, fake := testManager(t, Config{RecentWindow: 30 * time.Minute})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	old := fake.Now().Add(-2 * time.Hour)
	for i, content := range []string{"tell me about go", "go is a language", "and channels?", "channels move values"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		mem.InsertMessage(ctx, &store.Message{
			ID: uuid.NewString(), SessionID: s.ID, Role: role, Content: content,
			TokenCount: 5, Status: store.StatusComplete,
			CreatedAt: old.Add(time.Duration(i) * time.Minute),
		})
	}
	mem.InsertMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: s.ID, Role: "user", Content: "recent question",
		TokenCount: 5, Status: store.StatusComplete, CreatedAt: fake.Now().Add(-time.Minute),
	})
	mem.BumpSessionCounters(ctx, s.ID, 5, 25, fake.Now())

	if err := m.Summarise(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	// The hash covers the concatenated content that was condensed.
	wantHash := md5.Sum([]byte("tell me about go" + "go is a language" + "and channels?" + "channels move values"))

	msgs, _ := mem.ListMessages(ctx, s.ID)
	var summaries, conversation int
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSummary:
			summaries++
			if !msg.SummaryHash.Valid || msg.SummaryHash.String != hex.EncodeToString(wantHash[:]) {
				t.Errorf("summary hash should fingerprint the condensed content, got %+v", msg.SummaryHash)
			}
			if msg.Content == "" {
				t.Error("summary content should not be empty")
			}
		default:
			conversation++
			if msg.Content != "recent question" {
				t.Errorf("old turn survived summarisation: %+v", msg)
			}
		}
	}
	if summaries != 1 || conversation != 1 {
		t.Errorf("expected 1 summary + 1 recent message, got %d/%d", summaries, conversation)
	}

	// Summary sorts ahead of the recent turn it replaced history for.
	if msgs[0].Role != RoleSummary {
		t.Errorf("summary should lead the transcript, got %+v", msgs[0])
	}

	stored, _ := mem.GetSession(ctx, s.ID)
	if !stored.LastSummarisedAt.Valid || !stored.LastSummarisedAt.Time.Equal(fake.Now()) {
		t.Errorf("session should record when it was summarised: %+v", stored.LastSummarisedAt)
	}
}

func TestSummariseSkipsSmallHistories(t *testing.T) {
	m, mem, fake := testManager(t, Config{RecentWindow: 30 * time.Minute})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	mem.InsertMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: s.ID, Role: "user", Content: "lone old message",
		TokenCount: 5, Status: store.StatusComplete, CreatedAt: fake.Now().Add(-2 * time.Hour),
	})

	if err := m.Summarise(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ := mem.ListMessages(ctx, s.ID)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("single old message should be left alone: %+v", msgs)
	}
}

func TestSummariseLeavesRecentWindowAlone(t *testing.T) {
	m, mem, fake := testManager(t, Config{RecentWindow: 30 * time.Minute})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	for i := 0; i < 4; i++ {
		mem.InsertMessage(ctx, &store.Message{
			ID: uuid.NewString(), SessionID: s.ID, Role: "user", Content: "fresh",
			TokenCount: 5, Status: store.StatusComplete,
			CreatedAt: fake.Now().Add(-time.Duration(i) * time.Minute),
		})
	}

	if err := m.Summarise(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ := mem.ListMessages(ctx, s.ID)
	if len(msgs) != 4 {
		t.Errorf("recent messages should never be summarised, got %d", len(msgs))
	}
}

func TestClearKeepSystem(t *testing.T) {
	m, mem, fake := testManager(t, Config{})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	if _, err := m.Append(ctx, s, "system", "be brief", 0, "", "", ""); err != nil {
		t.Fatal(err)
	}
	m.Append(ctx, s, "user", "hello", 0, "", "", "")
	m.Append(ctx, s, "assistant", "hi there", 0, "mock", "", "")

	n, err := m.Clear(ctx, s, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 removals, got %d", n)
	}

	systemTokens := provider.EstimateTokens("be brief")
	if s.MessageCount != 1 || s.TotalTokens != int64(systemTokens) {
		t.Errorf("counters should reflect the surviving system message: %+v", s)
	}
}

func TestClearSkipsUncountedMessages(t *testing.T) {
	m, mem, fake := testManager(t, Config{})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	m.Append(ctx, s, "user", "hello", 0, "", "", "")
	// Flagged and still-streaming rows were never added to the counters.
	mem.InsertMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: s.ID, Role: "user", Content: "blocked",
		TokenCount: 50, Status: store.StatusFlagged, CreatedAt: fake.Now(),
	})
	mem.InsertMessage(ctx, &store.Message{
		ID: uuid.NewString(), SessionID: s.ID, Role: "assistant",
		TokenCount: 80, Status: store.StatusStreaming, CreatedAt: fake.Now(),
	})

	if _, err := m.Clear(ctx, s, false); err != nil {
		t.Fatal(err)
	}
	if s.MessageCount != 0 || s.TotalTokens != 0 {
		t.Errorf("counters must land on zero, got %+v", s)
	}
	stored, _ := mem.GetSession(ctx, s.ID)
	if stored.MessageCount < 0 || stored.TotalTokens < 0 {
		t.Errorf("counters must never go negative: %+v", stored)
	}
}

func TestStats(t *testing.T) {
	m, mem, fake := testManager(t, Config{SummariseThreshold: 10})
	ctx := context.Background()
	s := seedSession(t, mem, fake.Now())

	m.Append(ctx, s, "user", strings.Repeat("q ", 20), 0, "", "", "")
	m.Append(ctx, s, "assistant", "short answer", 0, "mock", "", "")
	summarisedAt := fake.Now().Add(-time.Hour)
	mem.MarkSessionSummarised(ctx, s.ID, summarisedAt)
	s.LastSummarisedAt = sql.NullTime{Time: summarisedAt, Valid: true}

	stats, err := m.Stats(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if stats.MessageCount != 2 || stats.UserMessages != 1 || stats.AssistantMessages != 1 {
		t.Errorf("unexpected message counts: %+v", stats)
	}
	if stats.TotalTokens != s.TotalTokens {
		t.Errorf("total tokens should mirror the session counter, got %+v", stats)
	}
	if !stats.NeedsSummarisation {
		t.Error("token total above the threshold should need summarisation")
	}
	if stats.LastSummarisedAt == nil || !stats.LastSummarisedAt.Equal(summarisedAt) {
		t.Errorf("last summarisation time missing: %+v", stats.LastSummarisedAt)
	}
}
