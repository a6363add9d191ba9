package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens is used when no limit is configured; the API requires one
const defaultAnthropicMaxTokens = 1024

// AnthropicModel streams completions through the Anthropic Messages API
type AnthropicModel struct {
	client      *anthropic.Client
	model       anthropic.Model
	temperature float64
	maxTokens   int64
}

// NewAnthropicModel creates a model for the Anthropic Messages API
func NewAnthropicModel(apiKey, baseURL, model string, temperature float64, maxTokens int) *AnthropicModel {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")+"/"))
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicModel{
		client:      &client,
		model:       anthropic.Model(model),
		temperature: temperature,
		maxTokens:   int64(maxTokens),
	}
}

// ChatStream streams the answer. System messages are folded into the
// request's system blocks since the API has no system role.
func (m *AnthropicModel) ChatStream(ctx context.Context, messages []Message, handler StreamHandler) (*ChatResponse, error) {
	system, turns := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:       m.model,
		Messages:    turns,
		MaxTokens:   m.maxTokens,
		Temperature: anthropic.Float(m.temperature),
	}
	if len(system) > 0 {
		params.System = system
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	out := &ChatResponse{Model: string(m.model)}
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				text.WriteString(d.Text)
				if handler != nil {
					handler(d.Text)
				}
			}
		case anthropic.MessageStopEvent:
			out.Done = true
		}
	}
	out.Content = text.String()
	if err := stream.Err(); err != nil {
		return out, fmt.Errorf("anthropic streaming error: %w", err)
	}
	if !out.Done {
		return out, ErrStreamIncomplete
	}
	return out, nil
}

func toAnthropicMessages(messages []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system, turns
}
