package memory

import (
	"strings"
	"time"
)

// Conversation roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Defaults for Options
const (
	DefaultShortTermSize       = 5
	DefaultVoiceShortTermSize  = 10
	DefaultMaxTurnChars        = 300
	DefaultSaveWindow          = 20
	DefaultMaxWords            = 300
	DefaultMaxWordsPerEntry    = 4
	DefaultMaxEntriesToInclude = 10
	DefaultArchiveRetention    = 30 * 24 * time.Hour
)

// Entry is a long-term fact or an archived conversation record
type Entry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is one message held in the short-term buffer
type Turn struct {
	Role    string
	Content string
	// Trigger is the save phrase stripped from the front of a user turn, if any
	Trigger string
	Seq     int
}

// Entry converts the turn to a storable entry
func (t Turn) Entry() Entry {
	return Entry{Role: t.Role, Content: t.Content}
}

// Stats memory counters for one user
type Stats struct {
	ShortTermCount  int
	LongTermCount   int
	LongTermWords   int
	PersistentCount int
}

// Options configures one user's memory. Built once from the process config.
type Options struct {
	ShortTermEnabled  bool
	LongTermEnabled   bool
	PersistentEnabled bool

	ShortTermSize int
	MaxTurnChars  int
	SaveWindow    int

	MaxWords            int
	MaxWordsPerEntry    int
	AutoInclude         bool
	MaxEntriesToInclude int
	NaturalIntegration  bool

	ArchiveRetention time.Duration

	SavePhrases      []string
	RecallPhrases    []string
	SearchPhrases    []string
	ArchivePhrases   []string
	YesterdayPhrases []string
	StatsPhrases     []string
}

// DefaultOptions returns the stock memory configuration
func DefaultOptions() Options {
	return Options{
		ShortTermEnabled:    true,
		LongTermEnabled:     true,
		PersistentEnabled:   true,
		ShortTermSize:       DefaultShortTermSize,
		MaxTurnChars:        DefaultMaxTurnChars,
		SaveWindow:          DefaultSaveWindow,
		MaxWords:            DefaultMaxWords,
		MaxWordsPerEntry:    DefaultMaxWordsPerEntry,
		AutoInclude:         true,
		MaxEntriesToInclude: DefaultMaxEntriesToInclude,
		NaturalIntegration:  true,
		ArchiveRetention:    DefaultArchiveRetention,
		SavePhrases:         []string{"запомни", "не забудь", "это важно", "обязательно запомни"},
		RecallPhrases:       []string{"вспомни", "помнишь", "что ты помнишь"},
		SearchPhrases:       []string{"напомни", "ты говорил", "я говорил", "мы говорили"},
		ArchivePhrases:      []string{"что было важно"},
		YesterdayPhrases:    []string{"вчера"},
		StatsPhrases:        []string{"статистика памяти", "память статистика"},
	}
}

// normalized fills zero values with defaults and lower-cases phrase lists
func (o Options) normalized() Options {
	if o.ShortTermSize <= 0 {
		o.ShortTermSize = DefaultShortTermSize
	}
	if o.MaxTurnChars <= 0 {
		o.MaxTurnChars = DefaultMaxTurnChars
	}
	if o.SaveWindow <= 0 {
		o.SaveWindow = DefaultSaveWindow
	}
	if o.MaxWords <= 0 {
		o.MaxWords = DefaultMaxWords
	}
	if o.MaxWordsPerEntry <= 0 {
		o.MaxWordsPerEntry = DefaultMaxWordsPerEntry
	}
	if o.MaxEntriesToInclude <= 0 {
		o.MaxEntriesToInclude = DefaultMaxEntriesToInclude
	}
	if o.ArchiveRetention <= 0 {
		o.ArchiveRetention = DefaultArchiveRetention
	}
	o.SavePhrases = lowerAll(o.SavePhrases)
	o.RecallPhrases = lowerAll(o.RecallPhrases)
	o.SearchPhrases = lowerAll(o.SearchPhrases)
	o.ArchivePhrases = lowerAll(o.ArchivePhrases)
	o.YesterdayPhrases = lowerAll(o.YesterdayPhrases)
	o.StatsPhrases = lowerAll(o.StatsPhrases)
	return o
}

func lowerAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Persona holds the user-facing phrasing used when memory is rendered
// into prompts or command answers
type Persona struct {
	Base          string // persona line, always present in the context prompt
	UserLine      string // format with the user name
	FactsNatural  string // prefix for facts folded in as plain background
	FactsExplicit string // header for an explicitly labelled fact list
	SummaryEmpty  string
	SummarySingle string // format with the only fact
	SummaryHeader string
	ArchiveEmpty  string
	ArchiveHeader string
	StatsTemplate string // format with short, long count, long words, persistent
}

// DefaultPersona returns the stock Russian persona
func DefaultPersona() Persona {
	return Persona{
		Base:          "Ты Скай, ведущая стрим трансляции.",
		UserLine:      "Пользователь: %s.",
		FactsNatural:  "Информация о пользователе: ",
		FactsExplicit: "Вот факты о пользователе, которые были сохранены для улучшения взаимодействия. Учитывай их, чтобы делать ответы более персональными и полезными.",
		SummaryEmpty:  "Я пока ничего не знаю о тебе.",
		SummarySingle: "Я знаю, что ты: %s",
		SummaryHeader: "Вот что я знаю о тебе:",
		ArchiveEmpty:  "В этот день ничего важного не было сохранено.",
		ArchiveHeader: "Вот что было важно:",
		StatsTemplate: "Статистика памяти:\n- Краткосрочная: %d сообщений\n- Долгосрочная: %d записей (%d слов)\n- Persistent: %d записей",
	}
}

// countWords counts whitespace separated words
func countWords(text string) int {
	return len(strings.Fields(text))
}

// containsAny returns the first phrase contained in the lower-cased text
func containsAny(lowerText string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if strings.Contains(lowerText, p) {
			return p, true
		}
	}
	return "", false
}
