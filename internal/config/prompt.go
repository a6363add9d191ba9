package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hession/companion/internal/memory"
	"gopkg.in/yaml.v3"
)

// PromptConfig prompt configuration structure
type PromptConfig struct {
	Language string                     `yaml:"language"`
	Prompts  map[string]LanguagePrompts `yaml:"prompts"`
}

// LanguagePrompts prompts for a specific language
type LanguagePrompts struct {
	// Role is the system prompt used when no role matches the source
	Role          string `yaml:"role"`
	Persona       string `yaml:"persona"`
	UserLine      string `yaml:"user_line"`
	FactsNatural  string `yaml:"facts_natural"`
	FactsExplicit string `yaml:"facts_explicit"`
	SummaryEmpty  string `yaml:"summary_empty"`
	SummarySingle string `yaml:"summary_single"`
	SummaryHeader string `yaml:"summary_header"`
	ArchiveEmpty  string `yaml:"archive_empty"`
	ArchiveHeader string `yaml:"archive_header"`
	Stats         string `yaml:"stats"`
	ErrorPrefix   string `yaml:"error_prefix"`
}

// DefaultPromptConfig returns default prompt configuration
func DefaultPromptConfig() *PromptConfig {
	ru := memory.DefaultPersona()
	return &PromptConfig{
		Language: "ru",
		Prompts: map[string]LanguagePrompts{
			"ru": {
				Role:          "Ты Скай, дружелюбная ведущая стрима. Отвечай коротко и живо, по-русски.",
				Persona:       ru.Base,
				UserLine:      ru.UserLine,
				FactsNatural:  ru.FactsNatural,
				FactsExplicit: ru.FactsExplicit,
				SummaryEmpty:  ru.SummaryEmpty,
				SummarySingle: ru.SummarySingle,
				SummaryHeader: ru.SummaryHeader,
				ArchiveEmpty:  ru.ArchiveEmpty,
				ArchiveHeader: ru.ArchiveHeader,
				Stats:         ru.StatsTemplate,
				ErrorPrefix:   "Ошибка",
			},
			"en": {
				Role:          "You are Sky, a friendly stream host. Keep answers short and lively.",
				Persona:       "You are Sky, the host of a live stream.",
				UserLine:      "User: %s.",
				FactsNatural:  "About the user: ",
				FactsExplicit: "These facts about the user were saved to make answers more personal. Take them into account.",
				SummaryEmpty:  "I don't know anything about you yet.",
				SummarySingle: "I know that you: %s",
				SummaryHeader: "Here is what I know about you:",
				ArchiveEmpty:  "Nothing important was saved that day.",
				ArchiveHeader: "Here is what was important:",
				Stats:         "Memory stats:\n- Short-term: %d messages\n- Long-term: %d entries (%d words)\n- Persistent: %d entries",
				ErrorPrefix:   "Error",
			},
		},
	}
}

// PromptConfigPath returns the prompt config file path
func PromptConfigPath() (string, error) {
	// First check if there's a config/prompt.yaml in current working directory
	cwd, err := os.Getwd()
	if err == nil {
		localPath := filepath.Join(cwd, "config", "prompt.yaml")
		if _, err := os.Stat(localPath); err == nil {
			return localPath, nil
		}
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prompt.yaml"), nil
}

// LoadPromptConfig loads prompt configuration from file
func LoadPromptConfig() (*PromptConfig, error) {
	configPath, err := PromptConfigPath()
	if err != nil {
		return DefaultPromptConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultPromptConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt config: %w", err)
	}

	cfg := DefaultPromptConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse prompt config: %w", err)
	}

	return cfg, nil
}

// GetPrompts returns prompts for the configured language
func (p *PromptConfig) GetPrompts() LanguagePrompts {
	if prompts, ok := p.Prompts[p.Language]; ok {
		return prompts
	}
	// Fall back to Russian if configured language not found
	if prompts, ok := p.Prompts["ru"]; ok {
		return prompts
	}
	return LanguagePrompts{}
}

// GetRolePrompt returns the fallback role prompt for the configured language
func (p *PromptConfig) GetRolePrompt() string {
	return p.GetPrompts().Role
}

// GetErrorPrefix returns the error prefix for the configured language
func (p *PromptConfig) GetErrorPrefix() string {
	return p.GetPrompts().ErrorPrefix
}

// Persona returns the memory phrasing for the configured language.
// Empty fields keep the stock phrasing.
func (p *PromptConfig) Persona() memory.Persona {
	lp := p.GetPrompts()
	out := memory.DefaultPersona()
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.Base, lp.Persona)
	set(&out.UserLine, lp.UserLine)
	set(&out.FactsNatural, lp.FactsNatural)
	set(&out.FactsExplicit, lp.FactsExplicit)
	set(&out.SummaryEmpty, lp.SummaryEmpty)
	set(&out.SummarySingle, lp.SummarySingle)
	set(&out.SummaryHeader, lp.SummaryHeader)
	set(&out.ArchiveEmpty, lp.ArchiveEmpty)
	set(&out.ArchiveHeader, lp.ArchiveHeader)
	set(&out.StatsTemplate, lp.Stats)
	return out
}
