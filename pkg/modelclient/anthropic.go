package modelclient

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient streams messages through the Anthropic API, grounded on
// the teacher's AnthropicProvider (pkg/connector/provider_anthropic.go).
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds an AnthropicClient; baseURL overrides the
// default endpoint (Beeper-style proxy routing), empty uses the SDK
// default.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

func (c *AnthropicClient) Provider() string { return "anthropic" }

func (c *AnthropicClient) Stream(ctx context.Context, req Request, cancel CancelSignal, onChunk func(Chunk)) (Usage, error) {
	ctx, stop := withCancelSignal(ctx, cancel)
	defer stop()

	maxTokens := int64(4096)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.TopK))
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	var usage Usage
	for stream.Next() {
		event := stream.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				onChunk(Chunk{Text: delta.Text})
			}
		case anthropic.MessageDeltaEvent:
			if evt.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(evt.Usage.OutputTokens)
			}
		case anthropic.MessageStartEvent:
			usage.PromptTokens = int(evt.Message.Usage.InputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return Usage{}, fmt.Errorf("anthropic stream: %w", err)
	}
	onChunk(Chunk{Done: true})
	return usage, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		text := joinText(m.Content)
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		}
	}
	return out
}
