// Package cue derives avatar emotion and gesture cues from streamed text
package cue

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultCooldown is how long an emitted cue suppresses an identical repeat
const DefaultCooldown = 2 * time.Second

// Kind distinguishes the independent cue channels
type Kind int

const (
	KindEmotion Kind = iota
	KindGesture
)

func (k Kind) String() string {
	switch k {
	case KindEmotion:
		return "emotion"
	case KindGesture:
		return "gesture"
	default:
		return "unknown"
	}
}

// table is a symbol lookup that also understands multi-rune symbols
// (ZWJ sequences, variation selectors)
type table struct {
	single map[rune]string
	multi  []string // longest first
	values map[string]string
}

func newTable(src map[string]string) *table {
	t := &table{
		single: make(map[rune]string),
		values: src,
	}
	for sym, v := range src {
		if utf8.RuneCountInString(sym) == 1 {
			r, _ := utf8.DecodeRuneInString(sym)
			t.single[r] = v
			continue
		}
		t.multi = append(t.multi, sym)
	}
	sort.Slice(t.multi, func(i, j int) bool {
		if len(t.multi[i]) != len(t.multi[j]) {
			return len(t.multi[i]) > len(t.multi[j])
		}
		return t.multi[i] < t.multi[j]
	})
	return t
}

// at returns the value of the symbol starting at s[i:], if any
func (t *table) at(s string, i int) (string, bool) {
	rest := s[i:]
	for _, sym := range t.multi {
		if strings.HasPrefix(rest, sym) {
			return t.values[sym], true
		}
	}
	r, _ := utf8.DecodeRuneInString(rest)
	v, ok := t.single[r]
	return v, ok
}

var (
	emotions = newTable(emotionTable)
	gestures = newTable(gestureTable)
)

// Extract returns the first emotion and the first gesture symbol found in
// text, scanning left to right. Either may be empty.
func Extract(text string) (emotion, gesture string) {
	for i := range text {
		if emotion == "" {
			if v, ok := emotions.at(text, i); ok {
				emotion = v
			}
		}
		if gesture == "" {
			if v, ok := gestures.at(text, i); ok {
				gesture = v
			}
		}
		if emotion != "" && gesture != "" {
			break
		}
	}
	return emotion, gesture
}

type lastCue struct {
	value   string
	expires time.Time
}

// Debouncer suppresses repeats of the same cue within a cooldown window.
// Each Kind is tracked independently.
type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	last     map[Kind]lastCue
}

// NewDebouncer creates a debouncer. now may be nil to use the wall clock.
func NewDebouncer(cooldown time.Duration, now func() time.Time) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Debouncer{
		cooldown: cooldown,
		now:      now,
		last:     make(map[Kind]lastCue),
	}
}

// Allow reports whether value should be emitted for kind and, if so, records
// the emission. A cue passes when it differs from the previous one or the
// previous one's cooldown has expired.
func (d *Debouncer) Allow(kind Kind, value string) bool {
	if value == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	prev, seen := d.last[kind]
	if seen && prev.value == value && !now.After(prev.expires) {
		return false
	}
	d.last[kind] = lastCue{value: value, expires: now.Add(d.cooldown)}
	return true
}
