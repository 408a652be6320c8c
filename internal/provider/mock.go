package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const mockChunkDelay = 15 * time.Millisecond

// MockAdapter is the always-available fallback backend. It echoes a canned
// response so the full turn pipeline works without provider credentials.
type MockAdapter struct {
	// ChunkDelay overrides the inter-chunk pause; tests set it to zero.
	ChunkDelay time.Duration
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{ChunkDelay: mockChunkDelay}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) response(req Request) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return "This is a mock response. Configure a real provider to get model output."
	}
	return fmt.Sprintf("This is a mock response to: %q. Configure a real provider to get model output.", truncate(last, 120))
}

func (m *MockAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	text := m.response(req)
	events := make(chan Event)

	go func() {
		defer close(events)

		var sent strings.Builder
		for _, word := range strings.Fields(text) {
			chunk := word
			if sent.Len() > 0 {
				chunk = " " + word
			}
			select {
			case <-ctx.Done():
				events <- errEvent(ctx.Err())
				return
			case events <- tokenEvent(chunk):
				sent.WriteString(chunk)
			}
			if m.ChunkDelay > 0 {
				time.Sleep(m.ChunkDelay)
			}
		}

		events <- doneEvent(Result{
			Text:         sent.String(),
			InputTokens:  estimateRequestTokens(req),
			OutputTokens: EstimateTokens(sent.String()),
			FinishReason: "stop",
		})
	}()

	return events, nil
}

func (m *MockAdapter) Generate(ctx context.Context, req Request) (Result, error) {
	text := m.response(req)
	return Result{
		Text:         text,
		InputTokens:  estimateRequestTokens(req),
		OutputTokens: EstimateTokens(text),
		FinishReason: "stop",
	}, nil
}

func (m *MockAdapter) TestConnection(ctx context.Context) error { return nil }

func estimateRequestTokens(req Request) int {
	total := EstimateTokens(req.SystemPrompt)
	for _, msg := range req.Messages {
		total += EstimateTokens(msg.Content)
	}
	return total
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
