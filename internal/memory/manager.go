// Package memory implements per-user tiered conversation memory: a short-term
// turn buffer, a word-budgeted long-term fact store and a daily archive.
package memory

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hession/companion/internal/logger"
)

// Manager holds one user's memory. All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	userID  string
	opts    Options
	persona Persona
	store   Store
	now     func() time.Time

	short     *ShortTermBuffer // nil when short-term memory is disabled
	committed int              // Seq of the newest turn already scanned by CommitLongTerm
	longTerm  []Entry
	longWords int

	archive    []Entry
	archiveDay string

	leadingSave *regexp.Regexp // save phrase at the start of a turn
	anySave     *regexp.Regexp // save phrase anywhere
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithClock sets the time source used for archive days
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithPersona sets the phrasing used for prompts and command answers
func WithPersona(p Persona) ManagerOption {
	return func(m *Manager) {
		m.persona = p
	}
}

// NewManager creates a memory manager for userID and loads its saved state.
// store may be nil, in which case nothing is persisted. Load failures are
// logged and start the user with empty memory.
func NewManager(userID string, store Store, opts Options, options ...ManagerOption) *Manager {
	opts = opts.normalized()
	m := &Manager{
		userID:  userID,
		opts:    opts,
		persona: DefaultPersona(),
		store:   store,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(m)
	}

	if opts.ShortTermEnabled {
		m.short = NewShortTermBuffer(opts.ShortTermSize, opts.MaxTurnChars)
	}
	m.leadingSave = phrasePattern(opts.SavePhrases, true)
	m.anySave = phrasePattern(opts.SavePhrases, false)

	if opts.LongTermEnabled && store != nil {
		entries, err := store.LoadLongTerm(userID)
		if err != nil {
			logger.Warn("memory: failed to load long-term memory for %s: %v", userID, err)
		}
		m.setLongTerm(entries)
	}
	if opts.PersistentEnabled {
		m.loadToday()
	}
	return m
}

// phrasePattern builds a case-insensitive alternation of phrases, longest
// first. Phrases match whole words only, so "запомни" never matches inside
// "запомнила". The anchored form captures the phrase in group 1; the free
// form captures the surrounding separators in groups 1 and 2.
func phrasePattern(phrases []string, anchored bool) *regexp.Regexp {
	if len(phrases) == 0 {
		return nil
	}
	sorted := append([]string(nil), phrases...)
	sort.Slice(sorted, func(i, j int) bool {
		return utf8.RuneCountInString(sorted[i]) > utf8.RuneCountInString(sorted[j])
	})
	quoted := make([]string, len(sorted))
	for i, p := range sorted {
		quoted[i] = regexp.QuoteMeta(p)
	}
	alt := "(?:" + strings.Join(quoted, "|") + ")"
	if anchored {
		return regexp.MustCompile(`(?i)^\s*(` + alt + `)(?:` + wordEdge + `|$)`)
	}
	return regexp.MustCompile(`(?i)(^|` + wordEdge + `)` + alt + `(` + wordEdge + `|$)`)
}

// wordEdge is any rune that cannot continue a word
const wordEdge = `[^\p{L}\p{N}_]`

// stripSavePhrases removes every whole-word save phrase from text
func (m *Manager) stripSavePhrases(text string) string {
	if m.anySave == nil {
		return text
	}
	// Adjacent phrases share a separator, so one pass can leave the second
	for {
		out := m.anySave.ReplaceAllString(text, "${1}${2}")
		if out == text {
			return out
		}
		text = out
	}
}

// setLongTerm replaces long-term entries, recounting words. Caller holds mu
// or has exclusive access.
func (m *Manager) setLongTerm(entries []Entry) {
	m.longTerm = append([]Entry(nil), entries...)
	m.longWords = 0
	for _, e := range m.longTerm {
		m.longWords += countWords(e.Content)
	}
}

// UserID returns the owner of this memory
func (m *Manager) UserID() string {
	return m.userID
}

// Add records a conversation turn in short-term memory. For user turns a
// leading save phrase is stripped and kept in Turn.Trigger.
func (m *Manager) Add(role, content string) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.short == nil {
		return Turn{Role: role, Content: content}
	}

	t := Turn{Role: role, Content: content}
	if role == RoleUser && m.leadingSave != nil {
		if loc := m.leadingSave.FindStringSubmatchIndex(content); loc != nil {
			t.Trigger = strings.ToLower(content[loc[2]:loc[3]])
			t.Content = strings.TrimLeftFunc(content[loc[3]:], func(r rune) bool {
				return unicode.IsSpace(r) || r == ',' || r == ':' || r == ';'
			})
		}
	}
	return m.short.Add(t)
}

// ShouldRemember reports whether a turn qualifies for long-term memory
func (m *Manager) ShouldRemember(t Turn) bool {
	if t.Role != RoleUser {
		return false
	}

	remainder := t.Content
	if t.Trigger == "" {
		if m.anySave == nil || !m.anySave.MatchString(t.Content) {
			return false
		}
		remainder = m.stripSavePhrases(t.Content)
	}

	words := countWords(remainder)
	if words == 0 {
		logger.Debug("memory: save phrase without content, nothing to remember")
		return false
	}
	if words > m.opts.MaxWordsPerEntry {
		logger.Debug("memory: entry too long (%d words), max %d", words, m.opts.MaxWordsPerEntry)
		return false
	}
	return true
}

// CommitLongTerm moves qualifying recent turns into long-term memory and
// persists it when anything changed. Turns scanned by an earlier commit are
// skipped, so facts evicted for budget do not come back. It returns the number
// of admitted entries.
func (m *Manager) CommitLongTerm() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opts.LongTermEnabled || m.short == nil {
		return 0
	}

	turns := m.short.Last(m.opts.SaveWindow)
	var admitted []Entry
	for i := 0; i < len(turns); i++ {
		if turns[i].Seq <= m.committed || !m.ShouldRemember(turns[i]) {
			continue
		}

		user := turns[i].Entry()
		userAdded := m.admit(user, 0)
		if userAdded {
			admitted = append(admitted, user)
		}

		// Carry the reply along with the fact it answers
		if i+1 < len(turns) && turns[i+1].Role == RoleAssistant {
			protect := 0
			if userAdded {
				protect = 1
			}
			reply := turns[i+1].Entry()
			if m.admit(reply, protect) {
				admitted = append(admitted, reply)
			}
			i++
		}
	}
	if len(turns) > 0 {
		m.committed = turns[len(turns)-1].Seq
	}

	if len(admitted) > 0 {
		m.saveLongTerm()
		m.appendArchive(admitted)
		logger.Info("memory: saved %d entries to long-term memory for %s", len(admitted), m.userID)
	}
	return len(admitted)
}

// admit appends e to long-term memory within the word budget, evicting the
// oldest entries but never the newest protect entries. Caller holds mu.
func (m *Manager) admit(e Entry, protect int) bool {
	words := countWords(e.Content)
	if words > m.opts.MaxWords {
		logger.Debug("memory: entry of %d words exceeds the whole budget of %d, rejected", words, m.opts.MaxWords)
		return false
	}
	if m.isDuplicate(e) {
		return false
	}

	for m.longWords+words > m.opts.MaxWords && len(m.longTerm) > protect {
		oldest := m.longTerm[0]
		m.longTerm = m.longTerm[1:]
		m.longWords -= countWords(oldest.Content)
		logger.Debug("memory: word budget reached, evicted oldest entry")
	}
	if m.longWords+words > m.opts.MaxWords {
		logger.Debug("memory: no room for %s entry of %d words, dropped", e.Role, words)
		return false
	}

	m.longTerm = append(m.longTerm, e)
	m.longWords += words
	return true
}

func (m *Manager) isDuplicate(e Entry) bool {
	for _, existing := range m.longTerm {
		if existing.Role == e.Role && existing.Content == e.Content {
			return true
		}
	}
	return false
}

// saveLongTerm writes long-term memory to the store. Caller holds mu.
func (m *Manager) saveLongTerm() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveLongTerm(m.userID, m.longTerm); err != nil {
		logger.Error("memory: failed to save long-term memory for %s: %v", m.userID, err)
	}
}

// Persist writes long-term memory to the store now
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opts.LongTermEnabled || m.store == nil {
		return nil
	}
	if err := m.store.SaveLongTerm(m.userID, m.longTerm); err != nil {
		return fmt.Errorf("failed to persist memory for %s: %w", m.userID, err)
	}
	return nil
}

// cleanFact strips save phrases and stray separators from a stored fact
func (m *Manager) cleanFact(content string) string {
	content = m.stripSavePhrases(content)
	content = strings.Join(strings.Fields(content), " ")
	return strings.Trim(content, " ,:;")
}

// facts returns the cleaned user facts of entries, skipping empty ones and
// repeats
func (m *Manager) facts(entries []Entry) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Role != RoleUser {
			continue
		}
		fact := m.cleanFact(e.Content)
		if fact == "" || seen[fact] {
			continue
		}
		seen[fact] = true
		out = append(out, fact)
	}
	return out
}

func (m *Manager) personaLine(userName string) string {
	line := m.persona.Base
	if userName != "" {
		line += " " + fmt.Sprintf(m.persona.UserLine, userName)
	}
	return line
}

// ContextPrompt builds the system message carrying persona and remembered facts
func (m *Manager) ContextPrompt(userName string) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.personaLine(userName)
	if !m.opts.LongTermEnabled || !m.opts.AutoInclude {
		return Entry{Role: RoleSystem, Content: base}
	}

	recent := m.longTerm
	if len(recent) > m.opts.MaxEntriesToInclude {
		recent = recent[len(recent)-m.opts.MaxEntriesToInclude:]
	}
	facts := m.facts(recent)
	if len(facts) == 0 {
		return Entry{Role: RoleSystem, Content: base}
	}

	if m.opts.NaturalIntegration {
		return Entry{Role: RoleSystem, Content: base + " " + m.persona.FactsNatural + strings.Join(facts, "; ")}
	}
	return Entry{Role: RoleSystem, Content: base + " " + m.persona.FactsExplicit + "\n" + strings.Join(facts, "\n")}
}

// SearchMemory returns up to max entries whose content contains query,
// ignoring case. The newest matches are chosen; they are returned oldest first.
func (m *Manager) SearchMemory(query string, persistent bool, max int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.search(query, persistent, max)
}

func (m *Manager) search(query string, persistent bool, max int) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || max <= 0 {
		return nil
	}

	var source []Entry
	if persistent {
		if !m.opts.PersistentEnabled {
			return nil
		}
		m.rollDay()
		source = m.archive
	} else {
		if !m.opts.LongTermEnabled {
			return nil
		}
		source = m.longTerm
	}

	var hits []Entry
	for i := len(source) - 1; i >= 0 && len(hits) < max; i-- {
		if strings.Contains(strings.ToLower(source[i].Content), q) {
			hits = append(hits, source[i])
		}
	}
	for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
		hits[i], hits[j] = hits[j], hits[i]
	}
	return hits
}

// WantsRecall reports whether text asks to bring up earlier conversation
func (m *Manager) WantsRecall(text string) bool {
	_, ok := containsAny(strings.ToLower(text), m.opts.SearchPhrases)
	return ok
}

// Recall searches long-term memory and the archive using the significant
// words of text as keywords
func (m *Manager) Recall(text string, longMax, persistentMax int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	keywords := m.keywords(text)
	var out []Entry
	seen := make(map[Entry]bool)
	collect := func(persistent bool, max int) {
		n := 0
		for _, kw := range keywords {
			if n >= max {
				return
			}
			for _, e := range m.search(kw, persistent, max-n) {
				if seen[e] {
					continue
				}
				seen[e] = true
				out = append(out, e)
				n++
			}
		}
	}
	collect(false, longMax)
	collect(true, persistentMax)
	return out
}

// keywords returns the distinct lower-cased words of text longer than three
// letters, with search phrases removed
func (m *Manager) keywords(text string) []string {
	lower := strings.ToLower(text)
	for _, p := range m.opts.SearchPhrases {
		lower = strings.ReplaceAll(lower, p, " ")
	}
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var out []string
	seen := make(map[string]bool)
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// Summary describes the remembered user facts in plain language
func (m *Manager) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary()
}

func (m *Manager) summary() string {
	if !m.opts.LongTermEnabled {
		return m.persona.SummaryEmpty
	}
	facts := m.facts(m.longTerm)
	switch len(facts) {
	case 0:
		return m.persona.SummaryEmpty
	case 1:
		return fmt.Sprintf(m.persona.SummarySingle, facts[0])
	}
	var b strings.Builder
	b.WriteString(m.persona.SummaryHeader)
	for _, f := range facts {
		b.WriteString("\n- ")
		b.WriteString(f)
	}
	return b.String()
}

// Stats returns memory counters. It never changes the in-memory archive.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats()
}

func (m *Manager) stats() Stats {
	s := Stats{
		LongTermCount: len(m.longTerm),
		LongTermWords: m.longWords,
	}
	if m.short != nil {
		s.ShortTermCount = m.short.Len()
	}
	if m.opts.PersistentEnabled {
		s.PersistentCount = len(m.loadArchive(m.now()))
	}
	return s
}

// ShortTerm returns a snapshot of the short-term buffer, oldest first
func (m *Manager) ShortTerm() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.short == nil {
		return nil
	}
	return m.short.Turns()
}

// LongTerm returns a snapshot of long-term memory, oldest first
func (m *Manager) LongTerm() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.longTerm...)
}

// ArchiveTurn appends entries to today's archive and writes it. Archives
// older than the retention period are cleaned up on the way.
func (m *Manager) ArchiveTurn(entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendArchive(entries)
}

// appendArchive is ArchiveTurn with mu held
func (m *Manager) appendArchive(entries []Entry) {
	if !m.opts.PersistentEnabled || len(entries) == 0 {
		return
	}
	m.rollDay()
	m.archive = append(m.archive, entries...)

	if m.store == nil {
		return
	}
	if n, err := m.store.CleanupArchive(m.now().Add(-m.opts.ArchiveRetention)); err != nil {
		logger.Warn("memory: archive cleanup failed: %v", err)
	} else if n > 0 {
		logger.Info("memory: removed %d expired archive days", n)
	}
	if err := m.store.SaveArchive(m.userID, m.archiveDay, m.archive); err != nil {
		logger.Error("memory: failed to save archive for %s: %v", m.userID, err)
	}
}

// LoadArchive returns the archive for the given day
func (m *Manager) LoadArchive(day time.Time) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadArchive(day)
}

func (m *Manager) loadArchive(day time.Time) []Entry {
	key := Day(day)
	if key == m.archiveDay {
		return append([]Entry(nil), m.archive...)
	}
	if m.store == nil {
		return nil
	}
	entries, err := m.store.LoadArchive(m.userID, key)
	if err != nil {
		logger.Warn("memory: failed to load archive %s for %s: %v", key, m.userID, err)
		return nil
	}
	return entries
}

// rollDay switches the in-memory archive to the current day. Caller holds mu.
func (m *Manager) rollDay() {
	if Day(m.now()) != m.archiveDay {
		m.loadToday()
	}
}

func (m *Manager) loadToday() {
	m.archiveDay = Day(m.now())
	m.archive = nil
	if m.store == nil {
		return
	}
	entries, err := m.store.LoadArchive(m.userID, m.archiveDay)
	if err != nil {
		logger.Warn("memory: failed to load archive for %s: %v", m.userID, err)
		return
	}
	m.archive = entries
}
