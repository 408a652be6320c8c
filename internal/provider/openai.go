package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter backs completions with the OpenAI chat completions API.
type OpenAIAdapter struct {
	client       openai.Client
	name         string
	defaultModel string
}

// NewOpenAIAdapter creates an adapter. baseURL may point at any
// OpenAI-compatible endpoint; empty means the public API.
func NewOpenAIAdapter(name, apiKey, baseURL, defaultModel string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:       openai.NewClient(opts...),
		name:         name,
		defaultModel: defaultModel,
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

func (a *OpenAIAdapter) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case "system", "summary":
			messages = append(messages, openai.SystemMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}
	return params
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params := a.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream start: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()

		var acc openai.ChatCompletionAccumulator
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case events <- tokenEvent(chunk.Choices[0].Delta.Content):
				case <-ctx.Done():
					events <- errEvent(ctx.Err())
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			events <- errEvent(fmt.Errorf("openai stream: %w", err))
			return
		}

		result := Result{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
			FinishReason: "stop",
		}
		if len(acc.Choices) > 0 {
			result.Text = acc.Choices[0].Message.Content
			if acc.Choices[0].FinishReason != "" {
				result.FinishReason = acc.Choices[0].FinishReason
			}
		}
		events <- doneEvent(result)
	}()

	return events, nil
}

func (a *OpenAIAdapter) Generate(ctx context.Context, req Request) (Result, error) {
	completion, err := a.client.Chat.Completions.New(ctx, a.params(req))
	if err != nil {
		return Result{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Result{}, fmt.Errorf("openai completion: empty choices")
	}

	return Result{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		FinishReason: string(completion.Choices[0].FinishReason),
	}, nil
}

func (a *OpenAIAdapter) TestConnection(ctx context.Context) error {
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(a.defaultModel),
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		MaxTokens: openai.Int(1),
	}
	if _, err := a.client.Chat.Completions.New(ctx, params); err != nil {
		return fmt.Errorf("openai probe: %w", err)
	}
	return nil
}
