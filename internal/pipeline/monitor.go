package pipeline

import (
	"sync"
	"time"

	"github.com/hession/companion/internal/llm"
)

// DefaultMonitorHistory is how many messages, answers and errors are kept
const DefaultMonitorHistory = 20

// Record is one prompt or answer seen by the dispatcher
type Record struct {
	Time   time.Time `json:"time"`
	UserID string    `json:"user_id"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// ErrorRecord is one failed request
type ErrorRecord struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Err       string    `json:"error"`
}

// Snapshot is a copy of the monitor state
type Snapshot struct {
	Messages    []Record      `json:"messages"`
	Answers     []Record      `json:"answers"`
	Errors      []ErrorRecord `json:"errors"`
	LastPrompt  []llm.Message `json:"last_prompt"`
	LastMessage time.Time     `json:"last_message"`
}

// Monitor keeps the recent traffic of the dispatcher: user messages, answers,
// failures and the last message list sent to the model
type Monitor struct {
	mu          sync.Mutex
	limit       int
	messages    []Record
	answers     []Record
	errors      []ErrorRecord
	lastPrompt  []llm.Message
	lastMessage time.Time
}

func newMonitor(limit int, started time.Time) *Monitor {
	if limit <= 0 {
		limit = DefaultMonitorHistory
	}
	return &Monitor{limit: limit, lastMessage: started}
}

// keep appends v and drops the oldest values past limit
func keep[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0], s[over:]...)
	}
	return s
}

func (m *Monitor) message(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = keep(m.messages, r, m.limit)
	m.lastMessage = r.Time
}

func (m *Monitor) answer(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = keep(m.answers, r, m.limit)
}

func (m *Monitor) failure(e ErrorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = keep(m.errors, e, m.limit)
}

func (m *Monitor) prompt(messages []llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrompt = append([]llm.Message(nil), messages...)
}

// Touch marks chat activity without a message, restarting idle timers
func (m *Monitor) Touch(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastMessage) {
		m.lastMessage = at
	}
}

// LastMessage returns when the last user message arrived, or when the
// monitor started if none has
func (m *Monitor) LastMessage() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMessage
}

// Messages returns up to n of the most recent user messages, oldest first
func (m *Monitor) Messages(n int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]Record(nil), msgs...)
}

// Snapshot copies the monitor state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Messages:    append([]Record(nil), m.messages...),
		Answers:     append([]Record(nil), m.answers...),
		Errors:      append([]ErrorRecord(nil), m.errors...),
		LastPrompt:  append([]llm.Message(nil), m.lastPrompt...),
		LastMessage: m.lastMessage,
	}
}
