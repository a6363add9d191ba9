package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hession/companion/internal/logger"
)

// Provider selects the wire format of the model endpoint
type Provider string

const (
	// ProviderOllama streams NDJSON frames from /api/chat
	ProviderOllama Provider = "ollama"
	// ProviderOpenAI streams SSE frames from /v1/chat/completions
	ProviderOpenAI Provider = "openai"
)

// ErrStreamIncomplete is returned when the stream ends without a completion marker
var ErrStreamIncomplete = errors.New("stream ended without completion marker")

// Client LLM client
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	provider    Provider
	retries     int
	retryDelay  time.Duration
	httpClient  *http.Client
}

// Message message structure
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse chat response
type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	// Done reports that the completion marker was seen
	Done bool `json:"done"`
	// Skipped counts frames that could not be parsed
	Skipped int `json:"skipped,omitempty"`
}

// StreamHandler stream response handler. It runs on the reading goroutine,
// so a slow handler pauses consumption of the stream.
type StreamHandler func(content string)

// Option configures a Client
type Option func(*Client)

// WithProvider sets the wire format
func WithProvider(p Provider) Option {
	return func(c *Client) {
		c.provider = p
	}
}

// WithTimeout sets the HTTP timeout for a whole request
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetries retries a request that failed before its first token
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.retryDelay = delay
	}
}

// ollamaRequest /api/chat request
type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaFrame one NDJSON line
type ollamaFrame struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// chatRequest OpenAI-compatible request
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatChunk OpenAI-compatible SSE payload
type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Delta        Message `json:"delta"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New creates a new LLM client
func New(apiKey, baseURL, model string, temperature float64, maxTokens int, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		provider:    ProviderOllama,
		retryDelay:  time.Second,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the configured wire format
func (c *Client) Provider() Provider {
	return c.provider
}

// ChatStream sends a streaming chat request. On a mid-stream failure the
// partial response is returned together with the error.
func (c *Client) ChatStream(ctx context.Context, messages []Message, handler StreamHandler) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			logger.Warn("llm: retrying request (attempt %d): %v", attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			}
		}

		resp, err := c.stream(ctx, messages, handler)
		if err == nil {
			return resp, nil
		}
		// Tokens already reached the handler; replaying would duplicate them
		if resp != nil && resp.Content != "" {
			return resp, err
		}
		if ctx.Err() != nil {
			return resp, err
		}
		lastErr = err
	}
	if c.retries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("failed after %d retries: %w", c.retries, lastErr)
}

func (c *Client) stream(ctx context.Context, messages []Message, handler StreamHandler) (*ChatResponse, error) {
	var (
		path string
		body any
	)
	switch c.provider {
	case ProviderOpenAI:
		path = "/v1/chat/completions"
		body = chatRequest{
			Model:       c.model,
			Messages:    messages,
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
			Stream:      true,
		}
	case ProviderOllama:
		path = "/api/chat"
		body = ollamaRequest{
			Model:    c.model,
			Messages: messages,
			Stream:   true,
			Options:  ollamaOptions{Temperature: c.temperature, NumPredict: c.maxTokens},
		}
	default:
		return nil, fmt.Errorf("unsupported provider: %s", c.provider)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API returned error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decode frameDecoder
	if c.provider == ProviderOpenAI {
		decode = decodeSSE
	} else {
		decode = decodeNDJSON
	}
	return readStream(resp.Body, decode, handler)
}

// frame is one decoded stream line
type frame struct {
	content string
	model   string
	done    bool
	ignore  bool
}

// frameDecoder decodes one trimmed, non-empty line
type frameDecoder func(line string) (frame, error)

// errMalformed marks a frame that is skipped rather than fatal
var errMalformed = errors.New("malformed frame")

// errRemote carries an error reported inside the stream
type errRemote struct{ msg string }

func (e errRemote) Error() string { return "model error: " + e.msg }

func decodeNDJSON(line string) (frame, error) {
	// Some proxies wrap NDJSON in SSE framing
	line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))

	var f ollamaFrame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if f.Error != "" {
		return frame{}, errRemote{msg: f.Error}
	}
	return frame{content: f.Message.Content, model: f.Model, done: f.Done}, nil
}

func decodeSSE(line string) (frame, error) {
	if !strings.HasPrefix(line, "data:") {
		// event:, id:, retry: and comment lines
		return frame{ignore: true}, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return frame{done: true}, nil
	}

	var ck chatChunk
	if err := json.Unmarshal([]byte(data), &ck); err != nil {
		return frame{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ck.Error != nil {
		return frame{}, errRemote{msg: ck.Error.Message}
	}
	if len(ck.Choices) == 0 {
		return frame{model: ck.Model, ignore: true}, nil
	}
	return frame{content: ck.Choices[0].Delta.Content, model: ck.Model}, nil
}

// readStream handles streaming response
func readStream(body io.Reader, decode frameDecoder, handler StreamHandler) (*ChatResponse, error) {
	reader := bufio.NewReader(body)
	var fullContent strings.Builder
	out := &ChatResponse{}

	for {
		line, readErr := reader.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			out.Content = fullContent.String()
			return out, fmt.Errorf("failed to read streaming response: %w", readErr)
		}

		if line = strings.TrimSpace(line); line != "" {
			f, err := decode(line)
			switch {
			case errors.Is(err, errMalformed):
				out.Skipped++
				logger.Debug("llm: skipped frame: %v", err)
			case err != nil:
				out.Content = fullContent.String()
				return out, err
			case !f.ignore:
				if f.model != "" {
					out.Model = f.model
				}
				if f.content != "" {
					fullContent.WriteString(f.content)
					if handler != nil {
						handler(f.content)
					}
				}
				if f.done {
					out.Done = true
					out.Content = fullContent.String()
					return out, nil
				}
			}
		}

		if readErr == io.EOF {
			break
		}
	}

	out.Content = fullContent.String()
	return out, ErrStreamIncomplete
}
