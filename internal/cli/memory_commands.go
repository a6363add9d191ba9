package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/hession/companion/internal/memory"
	"github.com/hession/companion/internal/pipeline"
)

const searchLimit = 10

// MemoryCommands handles the slash commands that inspect memory and timings
type MemoryCommands struct {
	mem     *memory.Manager
	timings func() []pipeline.Timing
	now     func() time.Time
}

// NewMemoryCommands creates a command handler for one user's memory
func NewMemoryCommands(mem *memory.Manager, timings func() []pipeline.Timing) *MemoryCommands {
	return &MemoryCommands{mem: mem, timings: timings, now: time.Now}
}

// HandleCommand handles memory related commands.
// Returns whether the command was handled and its output.
func (c *MemoryCommands) HandleCommand(cmd string) (bool, string) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, ""
	}

	switch strings.ToLower(parts[0]) {
	case "/memory":
		return true, c.handleMemoryCommand(parts[1:])
	case "/timings":
		return true, c.timingReport()
	default:
		return false, ""
	}
}

func (c *MemoryCommands) handleMemoryCommand(args []string) string {
	if c.mem == nil {
		return "❌ Memory is not available"
	}
	if len(args) == 0 {
		return c.memoryStats()
	}

	switch strings.ToLower(args[0]) {
	case "stats":
		return c.memoryStats()
	case "facts":
		return c.mem.Summary()
	case "search":
		if len(args) < 2 {
			return "❌ Please specify a keyword: /memory search <keyword>"
		}
		return c.memorySearch(strings.Join(args[1:], " "))
	case "recent":
		return c.memoryRecent()
	case "archive":
		day := c.now()
		if len(args) > 1 {
			parsed, err := parseDay(args[1], day)
			if err != nil {
				return fmt.Sprintf("❌ %v", err)
			}
			day = parsed
		}
		return c.memoryArchive(day)
	case "save":
		if err := c.mem.Persist(); err != nil {
			return fmt.Sprintf("❌ Failed to save memory: %v", err)
		}
		return "✅ Memory saved"
	default:
		return c.memoryHelp()
	}
}

func (c *MemoryCommands) memoryStats() string {
	s := c.mem.Stats()

	var b strings.Builder
	b.WriteString("📊 Memory stats\n\n")
	fmt.Fprintf(&b, "Short-term: %d messages\n", s.ShortTermCount)
	fmt.Fprintf(&b, "Long-term:  %d entries (%d words)\n", s.LongTermCount, s.LongTermWords)
	fmt.Fprintf(&b, "Archive:    %d entries today", s.PersistentCount)
	return b.String()
}

func (c *MemoryCommands) memorySearch(keyword string) string {
	var found []memory.Entry
	seen := make(map[memory.Entry]bool)
	// Facts committed today are in both long-term memory and the archive
	for _, persistent := range []bool{false, true} {
		for _, e := range c.mem.SearchMemory(keyword, persistent, searchLimit) {
			if !seen[e] {
				seen[e] = true
				found = append(found, e)
			}
		}
	}
	if len(found) == 0 {
		return fmt.Sprintf("🔍 Nothing found for %q", keyword)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔍 Found %d entries for %q\n\n", len(found), keyword)
	for i, e := range found {
		fmt.Fprintf(&b, "%d. %s %s\n", i+1, getRoleIcon(e.Role), truncateForDisplay(e.Content, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *MemoryCommands) memoryRecent() string {
	turns := c.mem.ShortTerm()
	if len(turns) == 0 {
		return "📝 Short-term memory is empty"
	}

	var b strings.Builder
	b.WriteString("📝 Recent messages\n\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s %s\n", getRoleIcon(t.Role), truncateForDisplay(t.Content, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *MemoryCommands) memoryArchive(day time.Time) string {
	entries := c.mem.LoadArchive(day)
	if len(entries) == 0 {
		return fmt.Sprintf("📚 No archive for %s", day.Format("2006-01-02"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📚 Archive for %s\n\n", day.Format("2006-01-02"))
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s\n", getRoleIcon(e.Role), truncateForDisplay(e.Content, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *MemoryCommands) timingReport() string {
	if c.timings == nil {
		return "⏱  No timings recorded"
	}
	timings := c.timings()
	if len(timings) == 0 {
		return "⏱  No timings recorded"
	}

	var b strings.Builder
	b.WriteString("⏱  Recent requests\n")
	for _, t := range timings {
		fmt.Fprintf(&b, "\n%s  total %s\n", shortID(t.RequestID), FormatDuration(t.Total))
		for _, s := range t.Steps {
			fmt.Fprintf(&b, "  %-18s %s\n", s.Name, FormatDuration(s.Duration))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *MemoryCommands) memoryHelp() string {
	return `📖 Memory commands

/memory                   - Show memory stats
/memory stats             - Show memory stats
/memory facts             - Show remembered facts
/memory search <keyword>  - Search long-term memory and archive
/memory recent            - Show short-term messages
/memory archive [day]     - Show the archive (today, yesterday or YYYYMMDD)
/memory save              - Save long-term memory now
/timings                  - Show step timings of recent requests`
}

// parseDay accepts "today", "yesterday" or a DayFormat date
func parseDay(s string, now time.Time) (time.Time, error) {
	switch strings.ToLower(s) {
	case "today":
		return now, nil
	case "yesterday":
		return now.AddDate(0, 0, -1), nil
	}
	t, err := time.ParseInLocation(memory.DayFormat, s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q, expected today, yesterday or YYYYMMDD", s)
	}
	return t, nil
}

func getRoleIcon(role string) string {
	switch role {
	case memory.RoleUser:
		return "👤"
	case memory.RoleAssistant:
		return "🤖"
	case memory.RoleSystem:
		return "⚙️"
	default:
		return "📄"
	}
}

// truncateForDisplay flattens text to one line and cuts it to maxLen runes
func truncateForDisplay(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.TrimSpace(text)

	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CommandSuggestion command suggestion for completion
type CommandSuggestion struct {
	Text        string
	Description string
}

// GetCommandSuggestions returns every slash command with a description
func GetCommandSuggestions() []CommandSuggestion {
	return []CommandSuggestion{
		{Text: "/help", Description: "Show help"},
		{Text: "/config", Description: "Show configuration"},
		{Text: "/overlay", Description: "Show overlay clients"},
		{Text: "/monitor", Description: "Show recent answers, errors and the last prompt"},
		{Text: "/activity", Description: "Start an idle activity now"},
		{Text: "/history", Description: "Show history usage tips"},
		{Text: "/exit", Description: "Exit"},
		{Text: "/memory", Description: "Show memory stats"},
		{Text: "/memory stats", Description: "Show memory stats"},
		{Text: "/memory facts", Description: "Show remembered facts"},
		{Text: "/memory search", Description: "Search memory"},
		{Text: "/memory recent", Description: "Show short-term messages"},
		{Text: "/memory archive", Description: "Show the daily archive"},
		{Text: "/memory save", Description: "Save long-term memory"},
		{Text: "/timings", Description: "Show request timings"},
	}
}

// FormatDuration formats a step duration
func FormatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}
