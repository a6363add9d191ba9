// Package app builds the companion from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hession/companion/internal/activity"
	"github.com/hession/companion/internal/cache"
	"github.com/hession/companion/internal/config"
	"github.com/hession/companion/internal/llm"
	"github.com/hession/companion/internal/logger"
	"github.com/hession/companion/internal/memory"
	"github.com/hession/companion/internal/overlay"
	"github.com/hession/companion/internal/pipeline"
	"github.com/hession/companion/internal/speech"
	"github.com/hession/companion/internal/users"
)

// App holds the wired components
type App struct {
	cfg      *config.Config
	prompts  *config.PromptConfig
	store    memory.Store
	users    *users.Registry
	hub      *overlay.Hub
	pipeline *pipeline.Pipeline
	activity *activity.Driver

	model   pipeline.Model
	speaker speech.Speaker
	now     func() time.Time
}

// Option configures an App
type Option func(*App)

// WithModel replaces the configured model
func WithModel(m pipeline.Model) Option {
	return func(a *App) { a.model = m }
}

// WithSpeaker replaces the configured speech sink
func WithSpeaker(s speech.Speaker) Option {
	return func(a *App) { a.speaker = s }
}

// WithClock sets the clock used for archive cleanup
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New builds every component. The caller must Close the App.
func New(cfg *config.Config, prompts *config.PromptConfig, opts ...Option) (*App, error) {
	if prompts == nil {
		prompts = config.DefaultPromptConfig()
	}
	a := &App{cfg: cfg, prompts: prompts, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}

	if a.model == nil {
		model, err := NewModel(cfg.Model)
		if err != nil {
			return nil, err
		}
		a.model = model
	}

	store, err := NewStore(cfg.Memory)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Memory.EnablePersistent {
		cutoff := a.now().AddDate(0, 0, -cfg.Memory.ArchiveRetentionDays)
		if n, err := store.CleanupArchive(cutoff); err != nil {
			logger.Warn("app: archive cleanup failed: %v", err)
		} else if n > 0 {
			logger.Info("app: removed %d expired archive files", n)
		}
	}

	cleaner, err := speech.NewCleaner(speech.Filters{
		RemoveStarText: cfg.Speech.Filters.RemoveStarText,
		RemoveEmoji:    cfg.Speech.Filters.RemoveEmoji,
		AllowedChars:   cfg.Speech.Filters.AllowedChars,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build speech filters: %w", err)
	}

	if a.speaker == nil {
		a.speaker = speech.Nop{}
		if cfg.Speech.Enabled {
			sp, err := speech.NewCommandSpeaker(cfg.Speech.SynthCommand, cfg.Speech.PlayCommand,
				cfg.Speech.TempDir, time.Duration(cfg.Speech.TimeoutSeconds)*time.Second)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("failed to initialize speech: %w", err)
			}
			a.speaker = sp
		}
	}

	a.users = users.NewRegistry(store, users.Config{
		Capacity:           cfg.Session.UserCapacity,
		Memory:             MemoryOptions(cfg.Memory),
		Persona:            prompts.Persona(),
		VoiceSources:       cfg.Session.VoiceSources,
		VoiceShortTermSize: cfg.Memory.VoiceShortTermSize,
		Roles:              cfg.Roles,
		FallbackRole:       prompts.GetRolePrompt(),
	})

	popts := []pipeline.Option{
		pipeline.WithSpeaker(a.speaker),
		pipeline.WithCleaner(cleaner),
		pipeline.WithCache(cache.NewResponseCache(cfg.Cache.Size)),
		pipeline.WithConfig(PipelineConfig(cfg)),
	}
	if cfg.Overlay.Enabled {
		hcfg := overlay.DefaultConfig()
		if cfg.Overlay.QueueSize > 0 {
			hcfg.QueueSize = cfg.Overlay.QueueSize
		}
		a.hub = overlay.NewHub(hcfg)
		popts = append(popts, pipeline.WithDisplay(a.hub))
	}
	a.pipeline = pipeline.New(a.model, a.users, popts...)
	a.activity = activity.New(ActivityConfig(cfg.Activity), a.pipeline, a.pipeline.Monitor(),
		activity.WithClock(a.now))

	logger.Info("app: initialized (provider=%s, model=%s, memory=%s, speech=%v, overlay=%v, activity=%v)",
		cfg.Model.Provider, cfg.Model.Model, cfg.Memory.Backend, cfg.Speech.Enabled, cfg.Overlay.Enabled,
		cfg.Activity.Enabled)
	return a, nil
}

// NewModel creates the model client for the configured provider
func NewModel(cfg config.ModelConfig) (pipeline.Model, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Provider {
	case config.ProviderOllama, "", config.ProviderOpenAI:
		wire := llm.ProviderOllama
		if cfg.Provider == config.ProviderOpenAI {
			wire = llm.ProviderOpenAI
		}
		c := llm.New(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens,
			llm.WithProvider(wire),
			llm.WithTimeout(timeout),
			llm.WithRetries(cfg.Retries, time.Second),
		)
		logger.Debug("app: streaming %s from %s (%s wire format)", cfg.Model, cfg.BaseURL, c.Provider())
		return c, nil
	case config.ProviderOpenAISDK:
		return llm.NewOpenAIModel(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens), nil
	case config.ProviderAnthropic:
		return llm.NewAnthropicModel(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}

// NewStore opens the configured memory backend
func NewStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := memory.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize memory store: %w", err)
		}
		return s, nil
	case config.BackendFile, "":
		s, err := memory.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize memory store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported memory backend: %s", cfg.Backend)
	}
}

// MemoryOptions converts the memory section to manager options
func MemoryOptions(cfg config.MemoryConfig) memory.Options {
	lt := cfg.LongTerm
	return memory.Options{
		ShortTermEnabled:    cfg.EnableShortTerm,
		LongTermEnabled:     cfg.EnableLongTerm,
		PersistentEnabled:   cfg.EnablePersistent,
		ShortTermSize:       cfg.ShortTermSize,
		MaxTurnChars:        cfg.MaxTurnChars,
		SaveWindow:          lt.SaveWindow,
		MaxWords:            lt.MaxWords,
		MaxWordsPerEntry:    lt.MaxWordsPerEntry,
		AutoInclude:         lt.AutoInclude,
		MaxEntriesToInclude: lt.MaxEntriesToInclude,
		NaturalIntegration:  lt.NaturalIntegration,
		ArchiveRetention:    time.Duration(cfg.ArchiveRetentionDays) * 24 * time.Hour,
		SavePhrases:         lt.SavePhrases,
		RecallPhrases:       lt.RecallPhrases,
		SearchPhrases:       lt.SearchPhrases,
		ArchivePhrases:      lt.ArchivePhrases,
		YesterdayPhrases:    lt.YesterdayPhrases,
		StatsPhrases:        lt.StatsPhrases,
	}
}

// PipelineConfig converts the dispatcher settings
func PipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		UpdateMinChars:      cfg.Overlay.UpdateMinChars,
		UpdateOnPunctuation: cfg.Overlay.UpdateOnPunctuation,
		CueCooldown:         time.Duration(cfg.Cues.CooldownMS) * time.Millisecond,
		ShutdownSaveTimeout: time.Duration(cfg.Session.ShutdownSaveTimeoutMS) * time.Millisecond,
		RecallLongTermMax:   cfg.Memory.LongTerm.RecallLongTermMax,
		RecallPersistentMax: cfg.Memory.LongTerm.RecallPersistentMax,
		TimingHistory:       cfg.Session.TimingHistory,
		MonitorHistory:      cfg.Session.MonitorHistory,
		CacheSize:           cfg.Cache.Size,
	}
}

// ActivityConfig converts the idle activity settings
func ActivityConfig(cfg config.ActivityConfig) activity.Config {
	ac := activity.DefaultConfig()
	ac.InactivityTimeout = time.Duration(cfg.InactivityTimeoutSeconds) * time.Second
	ac.CheckInterval = time.Duration(cfg.CheckIntervalSeconds) * time.Second
	ac.MaxContextMessages = cfg.MaxContextMessages
	ac.Speak = cfg.Speak
	if cfg.UserID != "" {
		ac.UserID = cfg.UserID
	}
	if cfg.UserName != "" {
		ac.UserName = cfg.UserName
	}
	if cfg.Source != "" {
		ac.Source = cfg.Source
	}

	options := map[string][]string{
		activity.KindFact:    cfg.FactTopics,
		activity.KindJoke:    cfg.JokeStyles,
		activity.KindComment: cfg.CommentTypes,
	}
	for i := range ac.Kinds {
		k := &ac.Kinds[i]
		if w, ok := cfg.Weights[k.Name]; ok {
			k.Weight = w
		}
		if opts := options[k.Name]; len(opts) > 0 {
			k.Options = opts
		}
	}
	return ac
}

// Pipeline returns the dispatcher
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Users returns the user registry
func (a *App) Users() *users.Registry { return a.users }

// Activity returns the idle activity driver
func (a *App) Activity() *activity.Driver { return a.activity }

// Hub returns the overlay hub, nil when the overlay is disabled
func (a *App) Hub() *overlay.Hub { return a.hub }

// Config returns the configuration the App was built from
func (a *App) Config() *config.Config { return a.cfg }

// Prompts returns the prompt configuration
func (a *App) Prompts() *config.PromptConfig { return a.prompts }

// Run serves the overlay until ctx is done. Without an overlay it only waits.
func (a *App) Run(ctx context.Context) error {
	if a.hub == nil {
		<-ctx.Done()
		return nil
	}
	if err := a.hub.Run(ctx, a.cfg.OverlayAddr()); err != nil {
		return fmt.Errorf("overlay server failed: %w", err)
	}
	return nil
}

// RunActivity drives idle activity until ctx is done. It returns at once
// when activity is disabled.
func (a *App) RunActivity(ctx context.Context) error {
	if !a.cfg.Activity.Enabled {
		return nil
	}
	return a.activity.Run(ctx)
}

// Close persists every user and releases the store
func (a *App) Close() error {
	var errs []error
	if a.hub != nil {
		a.hub.Close()
	}
	if err := a.users.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to save memory: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close memory store: %w", err))
	}
	return errors.Join(errs...)
}
