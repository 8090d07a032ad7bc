package modelclient

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient streams chat completions through the OpenAI API, grounded on
// the teacher's OpenAIProvider (pkg/connector/provider_openai.go), narrowed
// to the Chat Completions streaming path since this core has no tool-calling
// or Responses-API concerns of its own.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient builds an OpenAIClient; baseURL overrides the default
// endpoint (for OpenRouter-compatible proxies), empty uses the SDK default.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIClient) Provider() string { return "openai" }

func (c *OpenAIClient) Stream(ctx context.Context, req Request, cancel CancelSignal, onChunk func(Chunk)) (Usage, error) {
	ctx, stop := withCancelSignal(ctx, cancel)
	defer stop()

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toChatMessages(req),
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var usage Usage
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onChunk(Chunk{Text: delta})
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Usage{}, fmt.Errorf("openai stream: %w", err)
	}
	onChunk(Chunk{Done: true})
	return usage, nil
}

func toChatMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		text := joinText(m.Content)
		switch m.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(text))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		case RoleSystem:
			out = append(out, openai.SystemMessage(text))
		}
	}
	return out
}

func joinText(parts []ContentPart) string {
	var out string
	for i, p := range parts {
		if p.Type != ContentText {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// withCancelSignal derives a context that is cancelled when cancel fires,
// shared by every branch of a fan-out generation (spec §9).
func withCancelSignal(ctx context.Context, cancel CancelSignal) (context.Context, func()) {
	if cancel == nil {
		return ctx, func() {}
	}
	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			stop()
		case <-done:
		}
	}()
	return ctx, func() { close(done) }
}
