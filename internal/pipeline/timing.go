package pipeline

import (
	"time"
)

// DefaultTimingHistory is how many requests keep their step timings
const DefaultTimingHistory = 5

// Step is the duration of one named stage of a request
type Step struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Timing holds the steps of one request
type Timing struct {
	RequestID string        `json:"request_id"`
	Steps     []Step        `json:"steps"`
	Total     time.Duration `json:"total"`
}

type timer struct {
	now   func() time.Time
	start time.Time
	last  time.Time
	t     Timing
}

func newTimer(id string, now func() time.Time) *timer {
	start := now()
	return &timer{now: now, start: start, last: start, t: Timing{RequestID: id}}
}

func (t *timer) step(name string) {
	now := t.now()
	t.t.Steps = append(t.t.Steps, Step{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

func (t *timer) finish() Timing {
	t.t.Total = t.last.Sub(t.start)
	return t.t
}

// record keeps the newest timings, dropping the oldest past the limit
func (p *Pipeline) record(t Timing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timings = keep(p.timings, t, p.cfg.TimingHistory)
}

// Timings returns the step timings of the most recent requests, oldest first
func (p *Pipeline) Timings() []Timing {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Timing, len(p.timings))
	copy(out, p.timings)
	return out
}
