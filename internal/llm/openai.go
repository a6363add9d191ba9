package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIModel streams completions through the official OpenAI SDK
type OpenAIModel struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewOpenAIModel creates a model for the OpenAI Chat Completions API.
// baseURL may point at any compatible server; empty keeps the SDK default.
func NewOpenAIModel(apiKey, baseURL, model string, temperature float64, maxTokens int) *OpenAIModel {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	client := openai.NewClient(opts...)
	return &OpenAIModel{
		client:      &client,
		model:       model,
		temperature: temperature,
		maxTokens:   int64(maxTokens),
	}
}

// ChatStream streams the answer, calling handler for every text delta
func (m *OpenAIModel) ChatStream(ctx context.Context, messages []Message, handler StreamHandler) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Messages:    toOpenAIMessages(messages),
		Model:       m.model,
		Temperature: openai.Float(m.temperature),
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(m.maxTokens)
	}

	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	out := &ChatResponse{}
	for stream.Next() {
		ck := stream.Current()
		if ck.Model != "" {
			out.Model = ck.Model
		}
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if handler != nil {
					handler(ch.Delta.Content)
				}
			}
			if ch.FinishReason != "" {
				out.Done = true
			}
		}
	}
	out.Content = text.String()
	if err := stream.Err(); err != nil {
		return out, fmt.Errorf("openai streaming error: %w", err)
	}
	if !out.Done {
		return out, ErrStreamIncomplete
	}
	return out, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
