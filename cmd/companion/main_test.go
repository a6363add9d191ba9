package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hession/companion/internal/config"
)

// ollamaServer answers every chat request with the given tokens
func ollamaServer(t *testing.T, tokens ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		for _, tok := range tokens {
			fmt.Fprintf(w, "{\"model\":\"test\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", tok)
		}
		fmt.Fprint(w, "{\"model\":\"test\",\"done\":true}\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	dir := t.TempDir()
	data := fmt.Sprintf(`model:
  base_url: %s
  retries: 0
memory:
  dir: %s
speech:
  enabled: false
overlay:
  enabled: false
`, baseURL, filepath.Join(dir, "memory"))
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLogConfigInfo(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Model.APIKey = "test-api-key-12345"

	// Should not panic
	logConfigInfo(cfg)
}

func TestLogConfigInfo_EmptyAPIKey(t *testing.T) {
	// Should not panic
	logConfigInfo(config.DefaultConfig())
}

func TestVersion(t *testing.T) {
	if version != "0.1.0" {
		t.Errorf("Expected version '0.1.0', got '%s'", version)
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "Companion v0.1.0") {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestConfigCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config-dir", dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out.String(), "gemma3n:e2b") {
		t.Errorf("Expected default model in %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("Default config not created: %v", err)
	}
}

func TestAskCommand(t *testing.T) {
	srv := ollamaServer(t, "Привет", "!")
	dir := writeConfig(t, srv.URL)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"ask", "--config-dir", dir, "--no-speech", "как", "дела"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if !strings.Contains(out.String(), "Привет!") {
		t.Errorf("Expected answer in %q", out.String())
	}
}

func TestAskCommand_RequiresKey(t *testing.T) {
	dir := t.TempDir()
	data := "model:\n  provider: anthropic\n  model: claude\nspeech:\n  enabled: false\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"ask", "--config-dir", dir, "hi"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "needs an API key") {
		t.Errorf("Expected missing key error, got %v", err)
	}
}

func TestServeAnswersLines(t *testing.T) {
	srv := ollamaServer(t, "Ответ.")
	dir := writeConfig(t, srv.URL)

	flags := &chatFlags{configDir: dir, userID: "pipe", source: "telegram", noSpeech: true, noOverlay: true}
	var out bytes.Buffer
	in := strings.NewReader("первый\n\nвторой\n")

	if err := runServe(context.Background(), flags, in, &out); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if n := strings.Count(out.String(), "Ответ."); n != 2 {
		t.Errorf("Expected 2 answers, got %d in %q", n, out.String())
	}
}
