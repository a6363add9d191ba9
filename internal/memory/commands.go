package memory

import (
	"fmt"
	"strings"
	"time"
)

// CommandKind identifies a memory command
type CommandKind int

const (
	// CommandNone means the text is a normal conversational turn
	CommandNone CommandKind = iota
	// CommandRecall asks what is remembered about the user
	CommandRecall
	// CommandArchive asks for the archive of a day
	CommandArchive
	// CommandStats asks for memory counters
	CommandStats
)

func (k CommandKind) String() string {
	switch k {
	case CommandNone:
		return "none"
	case CommandRecall:
		return "recall"
	case CommandArchive:
		return "archive"
	case CommandStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Command is a classified memory request
type Command struct {
	Kind CommandKind
	Day  time.Time // archive day, set for CommandArchive
}

// Classify decides which memory command, if any, text is. Recall phrases
// take precedence over archive and stats phrases.
func (m *Manager) Classify(text string) Command {
	lower := strings.ToLower(text)

	if _, ok := containsAny(lower, m.opts.RecallPhrases); ok {
		return Command{Kind: CommandRecall}
	}
	if _, ok := containsAny(lower, m.opts.ArchivePhrases); ok {
		day := m.now()
		if _, ok := containsAny(lower, m.opts.YesterdayPhrases); ok {
			day = day.AddDate(0, 0, -1)
		}
		return Command{Kind: CommandArchive, Day: day}
	}
	if _, ok := containsAny(lower, m.opts.StatsPhrases); ok {
		return Command{Kind: CommandStats}
	}
	return Command{Kind: CommandNone}
}

// HandleMemoryCommand answers a recall request with a summary of the
// remembered facts. ok is false when text is not a recall request.
func (m *Manager) HandleMemoryCommand(text string) (string, bool) {
	if m.Classify(text).Kind != CommandRecall {
		return "", false
	}
	return m.Summary(), true
}

// HandleCommand answers any memory command. ok is false for a normal turn.
func (m *Manager) HandleCommand(text string) (answer string, cmd Command, ok bool) {
	cmd = m.Classify(text)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Kind {
	case CommandRecall:
		return m.summary(), cmd, true
	case CommandArchive:
		return m.archiveAnswer(cmd.Day), cmd, true
	case CommandStats:
		s := m.stats()
		return fmt.Sprintf(m.persona.StatsTemplate, s.ShortTermCount, s.LongTermCount, s.LongTermWords, s.PersistentCount), cmd, true
	default:
		return "", cmd, false
	}
}

func (m *Manager) archiveAnswer(day time.Time) string {
	if !m.opts.PersistentEnabled {
		return m.persona.ArchiveEmpty
	}
	entries := m.loadArchive(day)
	if len(entries) == 0 {
		return m.persona.ArchiveEmpty
	}

	var b strings.Builder
	b.WriteString(m.persona.ArchiveHeader)
	for _, e := range entries {
		b.WriteString("\n- ")
		b.WriteString(e.Content)
	}
	return b.String()
}
