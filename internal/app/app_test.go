package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hession/companion/internal/activity"
	"github.com/hession/companion/internal/config"
	"github.com/hession/companion/internal/llm"
	"github.com/hession/companion/internal/memory"
	"github.com/hession/companion/internal/pipeline"
	"github.com/hession/companion/internal/speech"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoModel struct{ tokens []string }

func (m echoModel) ChatStream(ctx context.Context, _ []llm.Message, handler llm.StreamHandler) (*llm.ChatResponse, error) {
	var out string
	for _, tok := range m.tokens {
		if handler != nil {
			handler(tok)
		}
		out += tok
	}
	return &llm.ChatResponse{Content: out, Done: true}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Memory.Dir = filepath.Join(dir, "memory")
	cfg.Memory.DBPath = filepath.Join(dir, "memory.db")
	cfg.Speech.Enabled = false
	cfg.Speech.TempDir = filepath.Join(dir, "audio")
	cfg.Overlay.Enabled = false
	return cfg
}

func TestNew_RespondsWithFileStore(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, nil, WithModel(echoModel{tokens: []string{"Привет", "!"}}))
	require.NoError(t, err)

	res, err := a.Pipeline().Respond(context.Background(), pipeline.Request{
		UserID: "alice", Source: "telegram", Prompt: "запомни люблю пиццу",
	})
	require.NoError(t, err)
	assert.Equal(t, "Привет!", res.Text)
	assert.Nil(t, a.Hub())
	assert.Equal(t, 1, a.Users().Len())

	require.NoError(t, a.Close())

	store, err := memory.NewFileStore(cfg.Memory.Dir)
	require.NoError(t, err)
	saved, err := store.LoadLongTerm("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, saved, "long-term memory persisted on close")
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Backend = config.BackendSQLite

	a, err := New(cfg, nil, WithModel(echoModel{tokens: []string{"ok"}}))
	require.NoError(t, err)
	_, err = a.Pipeline().Respond(context.Background(), pipeline.Request{UserID: "bob", Source: "local", Prompt: "hi"})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.FileExists(t, cfg.Memory.DBPath)
}

func TestNew_RoleFallbackFromPrompts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Roles = map[string]string{"twitch": "роль твича"}
	prompts := config.DefaultPromptConfig()

	a, err := New(cfg, prompts, WithModel(echoModel{}))
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "роль твича", a.Users().Get("a", "twitch").Role.Get("a"))
	assert.Equal(t, prompts.GetRolePrompt(), a.Users().Get("b", "discord").Role.Get("b"))
}

func TestNew_SpeakerOption(t *testing.T) {
	cfg := testConfig(t)
	cfg.Speech.Enabled = true

	a, err := New(cfg, nil, WithModel(echoModel{}), WithSpeaker(speech.Nop{}))
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, speech.Nop{}, a.speaker)
}

func TestNew_InvalidFilters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Speech.Filters.AllowedChars = "z-a"

	_, err := New(cfg, nil, WithModel(echoModel{}))
	assert.Error(t, err)
}

func TestNewModel(t *testing.T) {
	tests := []struct {
		provider string
		want     any
	}{
		{config.ProviderOllama, &llm.Client{}},
		{config.ProviderOpenAI, &llm.Client{}},
		{config.ProviderOpenAISDK, &llm.OpenAIModel{}},
		{config.ProviderAnthropic, &llm.AnthropicModel{}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := config.DefaultConfig().Model
			cfg.Provider = tt.provider
			cfg.APIKey = "test-key"
			m, err := NewModel(cfg)
			require.NoError(t, err)
			assert.IsType(t, tt.want, m)
		})
	}

	cfg := config.DefaultConfig().Model
	cfg.Provider = "gpt"
	_, err := NewModel(cfg)
	assert.Error(t, err)
}

func TestNewModel_ClientProvider(t *testing.T) {
	cfg := config.DefaultConfig().Model
	cfg.Provider = config.ProviderOpenAI
	m, err := NewModel(cfg)
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderOpenAI, m.(*llm.Client).Provider())
}

func TestMemoryOptions(t *testing.T) {
	cfg := config.DefaultConfig().Memory
	cfg.EnablePersistent = false
	cfg.ArchiveRetentionDays = 2

	opts := MemoryOptions(cfg)
	assert.True(t, opts.ShortTermEnabled)
	assert.False(t, opts.PersistentEnabled)
	assert.Equal(t, 300, opts.MaxWords)
	assert.Equal(t, 4, opts.MaxWordsPerEntry)
	assert.Equal(t, 48*time.Hour, opts.ArchiveRetention)
	assert.Contains(t, opts.SavePhrases, "запомни")
}

func TestPipelineConfig(t *testing.T) {
	pc := PipelineConfig(config.DefaultConfig())
	assert.Equal(t, 50, pc.UpdateMinChars)
	assert.Equal(t, 2*time.Second, pc.CueCooldown)
	assert.Equal(t, 2*time.Second, pc.ShutdownSaveTimeout)
	assert.Equal(t, 3, pc.RecallLongTermMax)
	assert.Equal(t, 2, pc.RecallPersistentMax)
}

func TestPipelineConfig_MonitorHistory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.MonitorHistory = 7
	assert.Equal(t, 7, PipelineConfig(cfg).MonitorHistory)
}

func TestActivityConfig(t *testing.T) {
	cfg := config.DefaultConfig().Activity
	cfg.Weights = map[string]int{config.ActivityJoke: 0}
	cfg.FactTopics = []string{"море"}
	cfg.JokeStyles = nil
	cfg.UserName = ""

	ac := ActivityConfig(cfg)
	assert.Equal(t, 5*time.Minute, ac.InactivityTimeout)
	assert.Equal(t, time.Minute, ac.CheckInterval)
	assert.Equal(t, 10, ac.MaxContextMessages)
	assert.Equal(t, "auto", ac.UserID)
	assert.Equal(t, "Скай", ac.UserName, "empty name keeps the default")

	kinds := make(map[string]activity.Kind)
	for _, k := range ac.Kinds {
		kinds[k.Name] = k
	}
	require.Len(t, kinds, 3)
	assert.Equal(t, 30, kinds[activity.KindFact].Weight, "missing weight keeps the default")
	assert.Equal(t, 0, kinds[activity.KindJoke].Weight)
	assert.Equal(t, []string{"море"}, kinds[activity.KindFact].Options)
	assert.Empty(t, kinds[activity.KindJoke].Options)
	assert.Equal(t, cfg.CommentTypes, kinds[activity.KindComment].Options)
}

func TestActivity_FiresThroughPipeline(t *testing.T) {
	a, err := New(testConfig(t), nil, WithModel(echoModel{tokens: []string{"Факт", "!"}}))
	require.NoError(t, err)
	defer a.Close()

	res, err := a.Activity().Fire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Факт!", res.Text)

	snap := a.Pipeline().Monitor().Snapshot()
	assert.Empty(t, snap.Messages, "idle activity is not a chat message")
	require.Len(t, snap.Answers, 1)
	assert.Equal(t, "auto", snap.Answers[0].UserID)
	require.NotEmpty(t, snap.LastPrompt)
	assert.Contains(t, snap.LastPrompt[len(snap.LastPrompt)-1].Content, "Максимум")
}

func TestRunActivity_DisabledReturns(t *testing.T) {
	a, err := New(testConfig(t), nil, WithModel(echoModel{}))
	require.NoError(t, err)
	defer a.Close()

	assert.NoError(t, a.RunActivity(context.Background()))
}

func TestRunActivity_EnabledRunsUntilCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Activity.Enabled = true
	a, err := New(cfg, nil, WithModel(echoModel{}))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunActivity(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunActivity did not return after cancel")
	}
}

func TestNewStore_Unknown(t *testing.T) {
	_, err := NewStore(config.MemoryConfig{Backend: "redis"})
	assert.Error(t, err)
}

func TestRun_WithoutOverlayWaitsForCancel(t *testing.T) {
	a, err := New(testConfig(t), nil, WithModel(echoModel{}))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ServesOverlay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := testConfig(t)
	cfg.Overlay.Enabled = true
	cfg.Overlay.Host = "127.0.0.1"
	cfg.Overlay.Port = port

	a, err := New(cfg, nil, WithModel(echoModel{}))
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Hub())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", cfg.OverlayAddr())
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
