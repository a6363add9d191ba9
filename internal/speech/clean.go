package speech

import (
	"fmt"
	"regexp"
)

// DefaultAllowedChars is the character class kept by the default filters
const DefaultAllowedChars = "a-zA-Zа-яА-ЯёЁ0-9 "

var (
	starText = regexp.MustCompile(`\*.*?\*`)
	emoji    = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}]+`)
)

// Filters controls what is removed from text before synthesis
type Filters struct {
	RemoveStarText bool   `yaml:"remove_star_text"`
	RemoveEmoji    bool   `yaml:"remove_emoji"`
	AllowedChars   string `yaml:"allowed_chars"`
}

// DefaultFilters returns the filters used when none are configured
func DefaultFilters() Filters {
	return Filters{
		RemoveStarText: true,
		RemoveEmoji:    true,
		AllowedChars:   DefaultAllowedChars,
	}
}

// Cleaner strips stage directions, emoji and disallowed characters
type Cleaner struct {
	filters    Filters
	disallowed *regexp.Regexp
}

// NewCleaner compiles the filters. AllowedChars is the body of a regexp
// character class; empty disables the whitelist.
func NewCleaner(f Filters) (*Cleaner, error) {
	c := &Cleaner{filters: f}
	if f.AllowedChars != "" {
		re, err := regexp.Compile("[^" + f.AllowedChars + "]")
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_chars %q: %w", f.AllowedChars, err)
		}
		c.disallowed = re
	}
	return c, nil
}

// MustCleaner is NewCleaner for filters known to be valid, such as
// DefaultFilters. It panics on an invalid character class.
func MustCleaner(f Filters) *Cleaner {
	c, err := NewCleaner(f)
	if err != nil {
		panic(err)
	}
	return c
}

// Clean returns the speakable part of text, which may be empty
func (c *Cleaner) Clean(text string) string {
	if c.filters.RemoveStarText {
		text = starText.ReplaceAllString(text, "")
	}
	if c.filters.RemoveEmoji {
		text = emoji.ReplaceAllString(text, "")
	}
	if c.disallowed != nil {
		text = c.disallowed.ReplaceAllString(text, "")
	}
	return text
}
