package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 1024

// AnthropicAdapter backs completions with the Anthropic messages API.
type AnthropicAdapter struct {
	client       anthropic.Client
	name         string
	defaultModel string
}

func NewAnthropicAdapter(name, apiKey, baseURL, defaultModel string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{
		client:       anthropic.NewClient(opts...),
		name:         name,
		defaultModel: defaultModel,
	}
}

func (a *AnthropicAdapter) Name() string { return a.name }

// params builds the messages request. Anthropic has no system role inside
// the message list, so system and summary content is hoisted into the
// top-level system block.
func (a *AnthropicAdapter) params(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case "system", "summary":
			system = append(system, msg.Content)
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(req))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream start: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		var msg anthropic.Message
		var text strings.Builder
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				events <- errEvent(fmt.Errorf("anthropic accumulate: %w", err))
				return
			}
			if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					select {
					case events <- tokenEvent(delta.Text):
						text.WriteString(delta.Text)
					case <-ctx.Done():
						events <- errEvent(ctx.Err())
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			events <- errEvent(fmt.Errorf("anthropic stream: %w", err))
			return
		}

		events <- doneEvent(Result{
			Text:         text.String(),
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			FinishReason: finishReason(string(msg.StopReason)),
		})
	}()

	return events, nil
}

func (a *AnthropicAdapter) Generate(ctx context.Context, req Request) (Result, error) {
	msg, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return Result{}, fmt.Errorf("anthropic completion: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return Result{
		Text:         text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		FinishReason: finishReason(string(msg.StopReason)),
	}, nil
}

func (a *AnthropicAdapter) TestConnection(ctx context.Context) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.defaultModel),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	}
	if _, err := a.client.Messages.New(ctx, params); err != nil {
		return fmt.Errorf("anthropic probe: %w", err)
	}
	return nil
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence", "":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return stopReason
	}
}
