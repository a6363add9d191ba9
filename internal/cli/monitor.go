package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/hession/companion/internal/pipeline"
)

const monitorShow = 5

// formatMonitor renders the recent answers, failures and the last prompt
func formatMonitor(snap pipeline.Snapshot, now time.Time) string {
	var b strings.Builder
	b.WriteString("📡 Monitor\n")
	fmt.Fprintf(&b, "\nLast message: %s ago\n", FormatDuration(now.Sub(snap.LastMessage).Truncate(time.Second)))

	b.WriteString("\n💬 Recent answers\n")
	if len(snap.Answers) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, r := range tail(snap.Answers, monitorShow) {
		fmt.Fprintf(&b, "  %s %-10s %s\n", r.Time.Format("15:04:05"), r.UserID, truncateForDisplay(r.Text, 60))
	}

	b.WriteString("\n❌ Errors\n")
	if len(snap.Errors) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, e := range tail(snap.Errors, monitorShow) {
		fmt.Fprintf(&b, "  %s %s %-10s %s\n", e.Time.Format("15:04:05"), shortID(e.RequestID), e.UserID, e.Err)
	}

	b.WriteString("\n📝 Last prompt\n")
	if len(snap.LastPrompt) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, m := range snap.LastPrompt {
		fmt.Fprintf(&b, "  %s %s\n", getRoleIcon(m.Role), truncateForDisplay(m.Content, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
