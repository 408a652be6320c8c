package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/verba-ai/verba/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func drain(t *testing.T, events <-chan Event) ([]string, Event) {
	t.Helper()
	var tokens []string
	var terminal Event
	sawTerminal := false
	for ev := range events {
		if sawTerminal {
			t.Fatal("event received after terminal event")
		}
		switch ev.Kind {
		case EventToken:
			tokens = append(tokens, ev.Token)
		case EventDone, EventErr:
			terminal = ev
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("stream closed without a terminal event")
	}
	return tokens, terminal
}

func TestMockStreamContract(t *testing.T) {
	m := NewMockAdapter()
	m.ChunkDelay = 0

	req := Request{Messages: []Message{{Role: "user", Content: "hello there"}}}
	events, err := m.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream start: %v", err)
	}

	tokens, terminal := drain(t, events)
	if terminal.Kind != EventDone {
		t.Fatalf("expected done, got %+v", terminal)
	}
	if len(tokens) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(tokens))
	}

	// Concatenated tokens reproduce the final text exactly.
	if joined := strings.Join(tokens, ""); joined != terminal.Result.Text {
		t.Errorf("token concatenation %q != result text %q", joined, terminal.Result.Text)
	}
	if !strings.Contains(terminal.Result.Text, "hello there") {
		t.Errorf("mock response should echo the user message: %q", terminal.Result.Text)
	}
	if terminal.Result.OutputTokens == 0 || terminal.Result.InputTokens == 0 {
		t.Errorf("usage should be estimated: %+v", terminal.Result)
	}
	if terminal.Result.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", terminal.Result.FinishReason)
	}
}

func TestMockStreamCancellation(t *testing.T) {
	m := NewMockAdapter()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := m.Stream(ctx, Request{Messages: []Message{{Role: "user", Content: "long message please"}}})
	if err != nil {
		t.Fatalf("stream start: %v", err)
	}

	// Take one token then cancel.
	<-events
	cancel()

	var terminal Event
	for ev := range events {
		terminal = ev
	}
	if terminal.Kind != EventErr {
		t.Fatalf("expected err terminal after cancel, got %+v", terminal)
	}
	if !errors.Is(terminal.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", terminal.Err)
	}
}

func TestMockGenerate(t *testing.T) {
	m := NewMockAdapter()
	res, err := m.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text == "" || res.FinishReason != "stop" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestEstimateTokens(t *testing.T) {
	if n := EstimateTokens(""); n != 0 {
		t.Errorf("empty text should estimate 0, got %d", n)
	}
	if n := EstimateTokens("abcd"); n != 1 {
		t.Errorf("4 chars should estimate 1, got %d", n)
	}
	if n := EstimateTokens("abcde"); n != 2 {
		t.Errorf("5 chars should round up to 2, got %d", n)
	}
}

// probeFailAdapter is registered but never passes its connection probe.
type probeFailAdapter struct {
	*MockAdapter
	name string
}

func (p probeFailAdapter) Name() string                         { return p.name }
func (p probeFailAdapter) TestConnection(context.Context) error { return errors.New("unreachable") }

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry("openai", testLogger())
	openai := probeFailAdapter{NewMockAdapter(), "openai"}
	r.Register(openai)

	if a := r.Resolve("openai"); a.Name() != "openai" {
		t.Errorf("preferred provider should win, got %q", a.Name())
	}
	// Unknown preferred falls back to the default.
	if a := r.Resolve("gemini"); a.Name() != "openai" {
		t.Errorf("expected default fallback, got %q", a.Name())
	}

	// With no default registered either, the mock serves.
	r2 := NewRegistry("openai", testLogger())
	if a := r2.Resolve("gemini"); a.Name() != "mock" {
		t.Errorf("expected mock fallback, got %q", a.Name())
	}
}

func TestRegistryGetWorkingSkipsFailingProbe(t *testing.T) {
	r := NewRegistry("anthropic", testLogger())
	r.Register(probeFailAdapter{NewMockAdapter(), "openai"})
	r.Register(probeFailAdapter{NewMockAdapter(), "anthropic"})

	// Both real candidates fail their probe, so the mock serves.
	if a := r.GetWorking(context.Background(), "openai"); a.Name() != "mock" {
		t.Errorf("expected mock after failed probes, got %q", a.Name())
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry("openai", testLogger())
	names := r.Names()
	if len(names) != 1 || names[0] != "mock" {
		t.Errorf("fresh registry should hold only the mock, got %v", names)
	}
}
