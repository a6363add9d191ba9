package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	client := New("test-api-key", "https://api.test.com", "test-model", 0.7, 1000)

	if client.apiKey != "test-api-key" {
		t.Errorf("Expected apiKey 'test-api-key', got '%s'", client.apiKey)
	}
	if client.baseURL != "https://api.test.com" {
		t.Errorf("Expected baseURL 'https://api.test.com', got '%s'", client.baseURL)
	}
	if client.model != "test-model" {
		t.Errorf("Expected model 'test-model', got '%s'", client.model)
	}
	if client.temperature != 0.7 {
		t.Errorf("Expected temperature 0.7, got %f", client.temperature)
	}
	if client.maxTokens != 1000 {
		t.Errorf("Expected maxTokens 1000, got %d", client.maxTokens)
	}
	if client.Provider() != ProviderOllama {
		t.Errorf("Expected default provider ollama, got %s", client.Provider())
	}
}

func TestNew_TrimTrailingSlash(t *testing.T) {
	client := New("key", "https://api.test.com/", "model", 0.7, 1000)

	if client.baseURL != "https://api.test.com" {
		t.Errorf("Expected baseURL without trailing slash, got '%s'", client.baseURL)
	}
}

func TestNew_Options(t *testing.T) {
	client := New("key", "http://x", "model", 0.7, 0,
		WithProvider(ProviderOpenAI),
		WithTimeout(5*time.Second),
		WithRetries(3, 10*time.Millisecond),
	)

	if client.provider != ProviderOpenAI {
		t.Errorf("Expected provider openai, got %s", client.provider)
	}
	if client.httpClient.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", client.httpClient.Timeout)
	}
	if client.retries != 3 || client.retryDelay != 10*time.Millisecond {
		t.Errorf("Expected 3 retries with 10ms delay, got %d/%v", client.retries, client.retryDelay)
	}
}

func ndjsonLine(content string, done bool) string {
	b, _ := json.Marshal(ollamaFrame{
		Model:   "gemma3n:e2b",
		Message: Message{Role: "assistant", Content: content},
		Done:    done,
	})
	return string(b) + "\n"
}

func TestClient_ChatStream_Ollama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("Expected no Authorization header without key, got %s", r.Header.Get("Authorization"))
		}

		var reqBody ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if !reqBody.Stream {
			t.Error("Expected stream=true")
		}
		if reqBody.Model != "gemma3n:e2b" {
			t.Errorf("Expected model 'gemma3n:e2b', got '%s'", reqBody.Model)
		}
		if reqBody.Options.NumPredict != 256 {
			t.Errorf("Expected num_predict 256, got %d", reqBody.Options.NumPredict)
		}
		if len(reqBody.Messages) != 2 {
			t.Errorf("Expected 2 messages, got %d", len(reqBody.Messages))
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, ndjsonLine("Hello", false))
		fmt.Fprint(w, ndjsonLine(" world.", false))
		fmt.Fprint(w, ndjsonLine("", true))
	}))
	defer server.Close()

	client := New("", server.URL, "gemma3n:e2b", 0.7, 256)

	var tokens []string
	resp, err := client.ChatStream(context.Background(), []Message{
		{Role: "system", Content: "Ты ассистент"},
		{Role: "user", Content: "Привет"},
	}, func(content string) {
		tokens = append(tokens, content)
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	if resp.Content != "Hello world." {
		t.Errorf("Expected content 'Hello world.', got '%s'", resp.Content)
	}
	if !resp.Done {
		t.Error("Expected Done")
	}
	if resp.Model != "gemma3n:e2b" {
		t.Errorf("Expected model from frames, got '%s'", resp.Model)
	}
	if len(tokens) != 2 || tokens[0] != "Hello" || tokens[1] != " world." {
		t.Errorf("Unexpected tokens: %q", tokens)
	}
}

func TestClient_ChatStream_OpenAI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected path /v1/chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Authorization header, got %s", r.Header.Get("Authorization"))
		}

		var reqBody chatRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if !reqBody.Stream {
			t.Error("Expected stream=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			": keep-alive",
			`data: {"model":"m","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`data: {"model":"m","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`data: {"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			"data: [DONE]",
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "%s\n\n", chunk)
		}
	}))
	defer server.Close()

	client := New("test-key", server.URL, "m", 0.7, 100, WithProvider(ProviderOpenAI))

	var received strings.Builder
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, func(content string) {
		received.WriteString(content)
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	if resp.Content != "Hello world" {
		t.Errorf("Expected content 'Hello world', got '%s'", resp.Content)
	}
	if received.String() != "Hello world" {
		t.Errorf("Expected streamed content 'Hello world', got '%s'", received.String())
	}
	if resp.Skipped != 0 {
		t.Errorf("Expected no skipped frames, got %d", resp.Skipped)
	}
}

func TestClient_ChatStream_SkipsMalformedFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ndjsonLine("a", false))
		fmt.Fprint(w, "{broken json\n")
		fmt.Fprint(w, "\n")
		fmt.Fprint(w, ndjsonLine("b", false))
		fmt.Fprint(w, "not json at all\n")
		fmt.Fprint(w, ndjsonLine("", true))
	}))
	defer server.Close()

	client := New("", server.URL, "m", 0.7, 0)
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content != "ab" {
		t.Errorf("Expected content 'ab', got '%s'", resp.Content)
	}
	if resp.Skipped != 2 {
		t.Errorf("Expected 2 skipped frames, got %d", resp.Skipped)
	}
}

func TestClient_ChatStream_DataPrefixedNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: "+ndjsonLine("Hi", false))
		fmt.Fprint(w, "data: "+ndjsonLine("", true))
	}))
	defer server.Close()

	client := New("", server.URL, "m", 0.7, 0)
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hi" {
		t.Errorf("Expected content 'Hi', got '%s'", resp.Content)
	}
}

func TestClient_ChatStream_Incomplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ndjsonLine("partial", false))
	}))
	defer server.Close()

	client := New("", server.URL, "m", 0.7, 0)
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, nil)
	if !errors.Is(err, ErrStreamIncomplete) {
		t.Fatalf("Expected ErrStreamIncomplete, got %v", err)
	}
	if resp == nil || resp.Content != "partial" {
		t.Errorf("Expected partial content, got %+v", resp)
	}
	if resp != nil && resp.Done {
		t.Error("Expected Done to be false")
	}
}

func TestClient_ChatStream_RemoteErrorKeepsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ndjsonLine("Hel", false))
		fmt.Fprint(w, `{"error":"model crashed"}`+"\n")
	}))
	defer server.Close()

	client := New("", server.URL, "m", 0.7, 0, WithRetries(2, time.Millisecond))
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("Expected model error, got %v", err)
	}
	if resp == nil || resp.Content != "Hel" {
		t.Errorf("Expected partial content 'Hel', got %+v", resp)
	}
}

func TestClient_ChatStream_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
	}))
	defer server.Close()

	client := New("test-key", server.URL, "test-model", 0.7, 1000)
	_, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hello"}}, nil)

	if err == nil {
		t.Fatal("Expected error for 500 status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("Expected status code in error, got: %v", err)
	}
}

func TestClient_ChatStream_RetriesBeforeFirstToken(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, ndjsonLine("ok", true))
	}))
	defer server.Close()

	client := New("", server.URL, "m", 0.7, 0, WithRetries(2, time.Millisecond))
	resp, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, nil)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Expected content 'ok', got '%s'", resp.Content)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
}

func TestClient_ChatStream_NoRetryAfterTokens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, ndjsonLine("half", false))
	}))
	defer server.Close()

	client := New("", server.URL, "m", 0.7, 0, WithRetries(3, time.Millisecond))
	_, err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "Hi"}}, nil)
	if !errors.Is(err, ErrStreamIncomplete) {
		t.Fatalf("Expected ErrStreamIncomplete, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single call once tokens were streamed, got %d", got)
	}
}

func TestClient_ChatStream_RetryStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := New("", server.URL, "m", 0.7, 0, WithRetries(5, time.Second))
	start := time.Now()
	_, err := client.ChatStream(ctx, []Message{{Role: "user", Content: "Hi"}}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Retry wait should stop when the context is done")
	}
}

func TestClient_UnsupportedProvider(t *testing.T) {
	client := New("", "http://localhost", "m", 0.7, 0, WithProvider("grpc"))
	_, err := client.ChatStream(context.Background(), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported provider") {
		t.Errorf("Expected unsupported provider error, got %v", err)
	}
}

func TestOpenAIModel_ChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"При"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"вет!"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	model := NewOpenAIModel("test-key", server.URL+"/v1", "m", 0.5, 64)

	var tokens []string
	resp, err := model.ChatStream(context.Background(), []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "Привет"},
	}, func(content string) {
		tokens = append(tokens, content)
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if resp.Content != "Привет!" {
		t.Errorf("Expected content 'Привет!', got '%s'", resp.Content)
	}
	if !resp.Done {
		t.Error("Expected Done after finish_reason")
	}
	if len(tokens) != 2 {
		t.Errorf("Expected 2 tokens, got %q", tokens)
	}
}

func TestToAnthropicMessages_FoldsSystem(t *testing.T) {
	system, turns := toAnthropicMessages([]Message{
		{Role: "system", Content: "role"},
		{Role: "system", Content: "context"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "hello"},
	})

	if len(system) != 2 || system[0].Text != "role" || system[1].Text != "context" {
		t.Errorf("Expected 2 system blocks, got %+v", system)
	}
	if len(turns) != 2 {
		t.Fatalf("Expected 2 turns without empty content, got %d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("Unexpected roles: %s, %s", turns[0].Role, turns[1].Role)
	}
}

func TestNewAnthropicModel_DefaultMaxTokens(t *testing.T) {
	model := NewAnthropicModel("key", "", "claude-3-5-haiku-latest", 0.7, 0)
	if model.maxTokens != defaultAnthropicMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultAnthropicMaxTokens, model.maxTokens)
	}
	if string(model.model) != "claude-3-5-haiku-latest" {
		t.Errorf("Unexpected model %s", model.model)
	}
}
