package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// configDir is the configuration directory path
	// Can be set via SetConfigDir before loading config
	configDir     string
	configDirInit bool
)

// SetConfigDir sets a custom configuration directory
// Must be called before any config loading functions
func SetConfigDir(dir string) {
	configDir = dir
	configDirInit = true
}

// GetConfigDir returns the configuration directory
// Priority: 1. Manually set via SetConfigDir, 2. ./config in current directory
func GetConfigDir() string {
	if !configDirInit {
		cwd, err := os.Getwd()
		if err == nil {
			configDir = filepath.Join(cwd, "config")
		}
		configDirInit = true
	}
	return configDir
}

// Model providers
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"     // OpenAI-compatible SSE over plain HTTP
	ProviderOpenAISDK = "openai_sdk" // official OpenAI SDK
	ProviderAnthropic = "anthropic"
)

// Memory backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config application configuration structure
type Config struct {
	Model    ModelConfig       `yaml:"model"`
	Memory   MemoryConfig      `yaml:"memory"`
	Cache    CacheConfig       `yaml:"cache"`
	Cues     CueConfig         `yaml:"cues"`
	Speech   SpeechConfig      `yaml:"speech"`
	Overlay  OverlayConfig     `yaml:"overlay"`
	Session  SessionConfig     `yaml:"session"`
	Activity ActivityConfig    `yaml:"activity"`
	Roles    map[string]string `yaml:"roles"`
	Log      LogConfig         `yaml:"log"`
}

// ModelConfig LLM model configuration
type ModelConfig struct {
	Provider       string  `yaml:"provider"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
}

// MemoryConfig memory storage configuration
type MemoryConfig struct {
	Backend              string         `yaml:"backend"`
	Dir                  string         `yaml:"dir"`
	DBPath               string         `yaml:"db_path"`
	EnableShortTerm      bool           `yaml:"enable_short_term"`
	EnableLongTerm       bool           `yaml:"enable_long_term"`
	EnablePersistent     bool           `yaml:"enable_persistent"`
	ShortTermSize        int            `yaml:"short_term_size"`
	VoiceShortTermSize   int            `yaml:"voice_short_term_size"`
	MaxTurnChars         int            `yaml:"max_turn_chars"`
	ArchiveRetentionDays int            `yaml:"archive_retention_days"`
	LongTerm             LongTermConfig `yaml:"long_term"`
}

// LongTermConfig long-term memory budgets and phrases
type LongTermConfig struct {
	MaxWords            int      `yaml:"max_words"`
	MaxWordsPerEntry    int      `yaml:"max_words_per_entry"`
	SaveWindow          int      `yaml:"save_window"`
	AutoInclude         bool     `yaml:"auto_include"`
	MaxEntriesToInclude int      `yaml:"max_entries_to_include"`
	NaturalIntegration  bool     `yaml:"natural_integration"`
	RecallLongTermMax   int      `yaml:"recall_long_term_max"`
	RecallPersistentMax int      `yaml:"recall_persistent_max"`
	SavePhrases         []string `yaml:"save_phrases"`
	RecallPhrases       []string `yaml:"recall_phrases"`
	SearchPhrases       []string `yaml:"search_phrases"`
	ArchivePhrases      []string `yaml:"archive_phrases"`
	YesterdayPhrases    []string `yaml:"yesterday_phrases"`
	StatsPhrases        []string `yaml:"stats_phrases"`
}

// CacheConfig response cache configuration
type CacheConfig struct {
	Size int `yaml:"size"`
}

// CueConfig avatar cue configuration
type CueConfig struct {
	CooldownMS int `yaml:"cooldown_ms"`
}

// SpeechConfig text-to-speech configuration. Commands are argv lists;
// {text} and {out} are substituted.
type SpeechConfig struct {
	Enabled        bool       `yaml:"enabled"`
	SynthCommand   []string   `yaml:"synth_command"`
	PlayCommand    []string   `yaml:"play_command"`
	TempDir        string     `yaml:"temp_dir"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	Filters        TTSFilters `yaml:"filters"`
}

// TTSFilters text cleanup before synthesis
type TTSFilters struct {
	RemoveStarText bool   `yaml:"remove_star_text"`
	RemoveEmoji    bool   `yaml:"remove_emoji"`
	AllowedChars   string `yaml:"allowed_chars"`
}

// OverlayConfig avatar and text overlay server configuration
type OverlayConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	QueueSize           int    `yaml:"queue_size"`
	UpdateMinChars      int    `yaml:"update_min_chars"`
	UpdateOnPunctuation bool   `yaml:"update_on_punctuation"`
}

// SessionConfig per-user state and request handling
type SessionConfig struct {
	UserCapacity          int      `yaml:"user_capacity"`
	VoiceSources          []string `yaml:"voice_sources"`
	ShutdownSaveTimeoutMS int      `yaml:"shutdown_save_timeout_ms"`
	TimingHistory         int      `yaml:"timing_history"`
	MonitorHistory        int      `yaml:"monitor_history"`
}

// Activity kinds
const (
	ActivityFact    = "fact"
	ActivityJoke    = "joke"
	ActivityComment = "comment"
)

// ActivityConfig unprompted messages when the chat goes quiet
type ActivityConfig struct {
	Enabled                  bool           `yaml:"enabled"`
	InactivityTimeoutSeconds int            `yaml:"inactivity_timeout_seconds"`
	CheckIntervalSeconds     int            `yaml:"check_interval_seconds"`
	MaxContextMessages       int            `yaml:"max_context_messages"`
	UserID                   string         `yaml:"user_id"`
	UserName                 string         `yaml:"user_name"`
	Source                   string         `yaml:"source"`
	Speak                    bool           `yaml:"speak"`
	Weights                  map[string]int `yaml:"weights"`
	FactTopics               []string       `yaml:"fact_topics"`
	JokeStyles               []string       `yaml:"joke_styles"`
	CommentTypes             []string       `yaml:"comment_types"`
}

// LogConfig logging configuration
type LogConfig struct {
	Level   string `yaml:"level"`
	MaxDays int    `yaml:"max_days"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:       ProviderOllama,
			APIKey:         "",
			BaseURL:        "http://localhost:11434",
			Model:          "gemma3n:e2b",
			Temperature:    0.7,
			MaxTokens:      0,
			TimeoutSeconds: 120,
			Retries:        1,
		},
		Memory: MemoryConfig{
			Backend:              BackendFile,
			Dir:                  filepath.Join("data", "memory"),
			DBPath:               filepath.Join("data", "memory.db"),
			EnableShortTerm:      true,
			EnableLongTerm:       true,
			EnablePersistent:     true,
			ShortTermSize:        5,
			VoiceShortTermSize:   10,
			MaxTurnChars:         300,
			ArchiveRetentionDays: 30,
			LongTerm: LongTermConfig{
				MaxWords:            300,
				MaxWordsPerEntry:    4,
				SaveWindow:          20,
				AutoInclude:         true,
				MaxEntriesToInclude: 10,
				NaturalIntegration:  true,
				RecallLongTermMax:   3,
				RecallPersistentMax: 2,
				SavePhrases:         []string{"запомни", "не забудь", "это важно", "обязательно запомни"},
				RecallPhrases:       []string{"вспомни", "помнишь", "что ты помнишь"},
				SearchPhrases:       []string{"напомни", "ты говорил", "я говорил", "мы говорили"},
				ArchivePhrases:      []string{"что было важно"},
				YesterdayPhrases:    []string{"вчера"},
				StatsPhrases:        []string{"статистика памяти", "память статистика"},
			},
		},
		Cache: CacheConfig{
			Size: 1000,
		},
		Cues: CueConfig{
			CooldownMS: 2000,
		},
		Speech: SpeechConfig{
			Enabled:        true,
			SynthCommand:   []string{"edge-tts", "--voice", "ru-RU-SvetlanaNeural", "--text", "{text}", "--write-media", "{out}"},
			PlayCommand:    []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "{out}"},
			TempDir:        filepath.Join("data", "temp_audio"),
			TimeoutSeconds: 60,
			Filters: TTSFilters{
				RemoveStarText: true,
				RemoveEmoji:    true,
				AllowedChars:   "a-zA-Zа-яА-ЯёЁ0-9 ",
			},
		},
		Overlay: OverlayConfig{
			Enabled:             true,
			Host:                "localhost",
			Port:                31992,
			QueueSize:           64,
			UpdateMinChars:      50,
			UpdateOnPunctuation: true,
		},
		Session: SessionConfig{
			UserCapacity:          100,
			VoiceSources:          []string{"local", "discord_voice"},
			ShutdownSaveTimeoutMS: 2000,
			TimingHistory:         5,
			MonitorHistory:        20,
		},
		Activity: ActivityConfig{
			Enabled:                  false,
			InactivityTimeoutSeconds: 300,
			CheckIntervalSeconds:     60,
			MaxContextMessages:       10,
			UserID:                   "auto",
			UserName:                 "Скай",
			Source:                   "auto",
			Speak:                    true,
			Weights: map[string]int{
				ActivityFact:    30,
				ActivityJoke:    40,
				ActivityComment: 30,
			},
			FactTopics:   []string{"космос", "животные", "история", "наука", "технологии", "игры"},
			JokeStyles:   []string{"каламбур", "абсурдный юмор", "жизненная ситуация", "про программистов"},
			CommentTypes: []string{"наблюдение о чате", "вопрос зрителям", "мысль вслух", "настроение"},
		},
		Roles: map[string]string{},
		Log: LogConfig{
			Level:   "info",
			MaxDays: 7,
			Console: false,
		},
	}
}

// ConfigDir returns the configuration directory path
func ConfigDir() (string, error) {
	dir := GetConfigDir()
	if dir == "" {
		return "", fmt.Errorf("failed to determine config directory")
	}
	return dir, nil
}

// LogDir returns the log directory path
func LogDir() string {
	dir := GetConfigDir()
	if dir == "" {
		return "logs"
	}
	return filepath.Join(dir, "logs")
}

// ConfigPath returns the configuration file path
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from file and merges with secrets
func Load() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	// Config file doesn't exist, create default config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		if err := cfg.mergeSecrets(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig() // Use default values as base
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.mergeSecrets(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeSecrets fills the API key from .secrets if the config has none
func (c *Config) mergeSecrets() error {
	if c.Model.APIKey != "" {
		return nil
	}
	apiKey, err := readSecret(modelAPIKeySecret)
	if err != nil {
		return err
	}
	c.Model.APIKey = apiKey
	return nil
}

// Save saves configuration to file
func Save(cfg *Config) error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	content := "# Companion Configuration File\n# Secrets such as MODEL_API_KEY belong in .secrets next to this file\n\n" + string(data)

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderOpenAISDK, ProviderAnthropic:
	default:
		return fmt.Errorf("config error: unknown model.provider %q", c.Model.Provider)
	}
	if c.Model.BaseURL == "" && c.Model.Provider != ProviderOpenAISDK && c.Model.Provider != ProviderAnthropic {
		return fmt.Errorf("config error: model.base_url cannot be empty")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("config error: model.model cannot be empty")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config error: model.temperature must be between 0 and 2")
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("config error: model.max_tokens cannot be negative")
	}
	if c.Model.TimeoutSeconds <= 0 {
		return fmt.Errorf("config error: model.timeout_seconds must be greater than 0")
	}
	if c.Model.Retries < 0 {
		return fmt.Errorf("config error: model.retries cannot be negative")
	}

	switch c.Memory.Backend {
	case BackendFile:
		if c.Memory.Dir == "" {
			return fmt.Errorf("config error: memory.dir cannot be empty")
		}
	case BackendSQLite:
		if c.Memory.DBPath == "" {
			return fmt.Errorf("config error: memory.db_path cannot be empty")
		}
	default:
		return fmt.Errorf("config error: unknown memory.backend %q", c.Memory.Backend)
	}
	if c.Memory.ShortTermSize <= 0 || c.Memory.VoiceShortTermSize <= 0 {
		return fmt.Errorf("config error: memory short-term sizes must be greater than 0")
	}
	if c.Memory.LongTerm.MaxWords <= 0 || c.Memory.LongTerm.MaxWordsPerEntry <= 0 {
		return fmt.Errorf("config error: memory.long_term word budgets must be greater than 0")
	}
	if c.Memory.LongTerm.MaxWordsPerEntry > c.Memory.LongTerm.MaxWords {
		return fmt.Errorf("config error: memory.long_term.max_words_per_entry cannot exceed max_words")
	}
	if c.Memory.ArchiveRetentionDays <= 0 {
		return fmt.Errorf("config error: memory.archive_retention_days must be greater than 0")
	}

	if c.Cache.Size <= 0 {
		return fmt.Errorf("config error: cache.size must be greater than 0")
	}

	if c.Speech.Enabled && len(c.Speech.SynthCommand) == 0 && len(c.Speech.PlayCommand) == 0 {
		return fmt.Errorf("config error: speech needs a synth_command or play_command when enabled")
	}

	if c.Overlay.Enabled && (c.Overlay.Port <= 0 || c.Overlay.Port > 65535) {
		return fmt.Errorf("config error: overlay.port must be between 1 and 65535")
	}

	if c.Session.UserCapacity <= 0 {
		return fmt.Errorf("config error: session.user_capacity must be greater than 0")
	}

	if err := c.Activity.validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: unknown log.level %q", c.Log.Level)
	}

	return nil
}

func (a *ActivityConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.InactivityTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: activity.inactivity_timeout_seconds must be greater than 0")
	}
	if a.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("config error: activity.check_interval_seconds must be greater than 0")
	}
	total := 0
	for kind, weight := range a.Weights {
		switch kind {
		case ActivityFact, ActivityJoke, ActivityComment:
		default:
			return fmt.Errorf("config error: unknown activity kind %q", kind)
		}
		if weight < 0 {
			return fmt.Errorf("config error: activity.weights.%s must not be negative", kind)
		}
		total += weight
	}
	if total == 0 {
		return fmt.Errorf("config error: activity.weights needs at least one positive weight")
	}
	return nil
}

// IsAPIKeyConfigured checks if API key is configured
func (c *Config) IsAPIKeyConfigured() bool {
	return c.Model.APIKey != ""
}

// RequiresAPIKey reports whether the provider cannot work without a key
func (c *Config) RequiresAPIKey() bool {
	return c.Model.Provider == ProviderOpenAISDK || c.Model.Provider == ProviderAnthropic
}

// OverlayAddr returns the overlay listen address
func (c *Config) OverlayAddr() string {
	return fmt.Sprintf("%s:%d", c.Overlay.Host, c.Overlay.Port)
}

// String returns string representation of config (hides sensitive info)
func (c *Config) String() string {
	return fmt.Sprintf(`Companion Configuration:
  Model:
    Provider: %s
    API Key: %s
    Base URL: %s
    Model: %s
    Temperature: %.1f
    Max Tokens: %d
  Memory:
    Backend: %s
    Dir: %s
    DB Path: %s
    Short/Long/Persistent: %v/%v/%v
    Long-term Budget: %d words, %d per entry
  Cache:
    Size: %d
  Speech:
    Enabled: %v
    Synth: %s
    Play: %s
  Overlay:
    Enabled: %v
    Address: %s
  Activity:
    Enabled: %v
    Idle Timeout: %ds
  Roles: %d configured
  Log:
    Level: %s
    Max Days: %d`,
		c.Model.Provider,
		redactAPIKey(c.Model.APIKey),
		c.Model.BaseURL,
		c.Model.Model,
		c.Model.Temperature,
		c.Model.MaxTokens,
		c.Memory.Backend,
		c.Memory.Dir,
		c.Memory.DBPath,
		c.Memory.EnableShortTerm, c.Memory.EnableLongTerm, c.Memory.EnablePersistent,
		c.Memory.LongTerm.MaxWords, c.Memory.LongTerm.MaxWordsPerEntry,
		c.Cache.Size,
		c.Speech.Enabled,
		strings.Join(c.Speech.SynthCommand, " "),
		strings.Join(c.Speech.PlayCommand, " "),
		c.Overlay.Enabled,
		c.OverlayAddr(),
		c.Activity.Enabled,
		c.Activity.InactivityTimeoutSeconds,
		len(c.Roles),
		c.Log.Level,
		c.Log.MaxDays,
	)
}

func redactAPIKey(value string) string {
	if value == "" {
		return "(not configured)"
	}
	if len(value) > 8 {
		return value[:8] + "..." // Only show first 8 chars
	}
	return "***"
}
