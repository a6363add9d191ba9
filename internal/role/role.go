// Package role resolves the system role prompt for a conversation source
package role

import (
	"strings"
	"sync"

	"github.com/hession/companion/internal/logger"
)

// FallbackSource is used when a source has no role of its own
const FallbackSource = "local"

// Manager holds the role prompt of one user plus optional per-user overrides
type Manager struct {
	mu     sync.RWMutex
	userID string
	source string
	prompt string
	custom map[string]string
}

// New resolves the role for source from roles, falling back to the
// FallbackSource role and then to fallback
func New(userID, source string, roles map[string]string, fallback string) *Manager {
	prompt, ok := lookup(roles, source)
	if !ok {
		if prompt, ok = lookup(roles, FallbackSource); ok {
			logger.Debug("role: no role for source %q, using %q", source, FallbackSource)
		} else {
			prompt = fallback
		}
	}

	return &Manager{
		userID: userID,
		source: source,
		prompt: prompt,
		custom: make(map[string]string),
	}
}

func lookup(roles map[string]string, source string) (string, bool) {
	p, ok := roles[source]
	if !ok || strings.TrimSpace(p) == "" {
		return "", false
	}
	return p, true
}

// Get returns the role prompt, preferring an override for userID
func (m *Manager) Get(userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if userID != "" {
		if p, ok := m.custom[userID]; ok {
			return p
		}
	}
	return m.prompt
}

// Set replaces the role prompt. With a non-empty userID only that user's
// override changes.
func (m *Manager) Set(description, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID != "" {
		m.custom[userID] = description
		return
	}
	m.prompt = description
}

// Source returns the source the role was resolved for
func (m *Manager) Source() string {
	return m.source
}
