// Package activity keeps a quiet chat going: after a stretch without user
// messages it asks the model for a fact, a joke or a comment and sends the
// answer through the normal response pipeline.
package activity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/hession/companion/internal/logger"
	"github.com/hession/companion/internal/pipeline"
)

// Built-in activity kinds
const (
	KindFact    = "fact"
	KindJoke    = "joke"
	KindComment = "comment"
)

// ErrNoKinds is returned when no kind has a positive weight
var ErrNoKinds = errors.New("no activity kinds with a positive weight")

// Kind is one sort of unprompted message
type Kind struct {
	Name   string
	Weight int
	// Request is formatted with one of Options; Fallback is used without options
	Request   string
	Fallback  string
	Options   []string
	MaxLength int
	Rule      string
}

// Config tunes the driver
type Config struct {
	InactivityTimeout  time.Duration
	CheckInterval      time.Duration
	MaxContextMessages int

	UserID   string
	UserName string
	Source   string
	Speak    bool

	Preamble       string
	ContextHeader  string
	LengthLimit    string // formatted with Kind.MaxLength
	Encouragements []string
	Kinds          []Kind
}

// DefaultConfig returns the stock Russian activities
func DefaultConfig() Config {
	return Config{
		InactivityTimeout:  5 * time.Minute,
		CheckInterval:      time.Minute,
		MaxContextMessages: 10,
		UserID:             "auto",
		UserName:           "Скай",
		Source:             "auto",
		Speak:              true,
		Preamble: "Ты — Скай, ведущая стрима. Ты личность с характером, а не модель. " +
			"Отвечай кратко, максимум 2-3 предложения, и используй эмодзи.",
		ContextHeader: "Контекст последних сообщений в чате:",
		LengthLimit:   "Максимум %d символов.",
		Encouragements: []string{
			"Будь креативной!",
			"Удиви меня!",
			"Покажи свой характер!",
			"Будь оригинальной!",
			"Используй свою фантазию!",
		},
		Kinds: []Kind{
			{
				Name:      KindFact,
				Weight:    30,
				Request:   "Расскажи интересный факт на тему: %s.",
				Fallback:  "Расскажи интересный факт.",
				MaxLength: 200,
				Rule:      "Факт должен быть увлекательным и неожиданным.",
			},
			{
				Name:      KindJoke,
				Weight:    40,
				Request:   "Расскажи весёлую безобидную шутку в стиле: %s.",
				Fallback:  "Расскажи весёлую безобидную шутку.",
				MaxLength: 150,
				Rule:      "Шутка должна быть смешной, но не оскорбительной.",
			},
			{
				Name:      KindComment,
				Weight:    30,
				Request:   "Сделай комментарий типа: %s.",
				Fallback:  "Сделай комментарий.",
				MaxLength: 100,
				Rule:      "Комментарий должен быть в твоём характерном стиле.",
			},
		},
	}
}

// Responder answers a prompt
type Responder interface {
	Respond(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Tracker reports chat activity
type Tracker interface {
	LastMessage() time.Time
	Messages(n int) []pipeline.Record
	Touch(at time.Time)
}

// Driver fires an activity whenever the chat has been idle long enough
type Driver struct {
	cfg       Config
	responder Responder
	tracker   Tracker
	now       func() time.Time

	mu  sync.Mutex // serializes Fire and guards rnd
	rnd *rand.Rand
}

// Option configures a Driver
type Option func(*Driver)

// WithClock sets the time source used to measure idleness
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithRand sets the random source used to pick kinds and options
func WithRand(r *rand.Rand) Option {
	return func(d *Driver) { d.rnd = r }
}

// New creates a driver. Zero durations fall back to the defaults.
func New(cfg Config, responder Responder, tracker Tracker, opts ...Option) *Driver {
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxContextMessages < 0 {
		cfg.MaxContextMessages = 0
	}

	d := &Driver{
		cfg:       cfg,
		responder: responder,
		tracker:   tracker,
		now:       time.Now,
		rnd:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run checks for inactivity every CheckInterval until ctx ends
func (d *Driver) Run(ctx context.Context) error {
	logger.Info("activity: started (timeout %v, interval %v)", d.cfg.InactivityTimeout, d.cfg.CheckInterval)
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("activity: stopped")
			return nil
		case <-ticker.C:
			d.check(ctx)
		}
	}
}

// check fires one activity if the chat is idle. The idle timer restarts
// afterwards whether or not the activity succeeded.
func (d *Driver) check(ctx context.Context) bool {
	idle := d.now().Sub(d.tracker.LastMessage())
	if idle < d.cfg.InactivityTimeout {
		return false
	}

	logger.Info("activity: chat idle for %v", idle.Round(time.Second))
	if _, err := d.Fire(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("activity: %v", err)
	}
	d.tracker.Touch(d.now())
	return true
}

// Fire generates one activity now, idle or not
func (d *Driver) Fire(ctx context.Context) (*pipeline.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kind, ok := d.choose()
	if !ok {
		return nil, ErrNoKinds
	}
	prompt := d.prompt(kind, d.tracker.Messages(d.cfg.MaxContextMessages))

	res, err := d.responder.Respond(ctx, pipeline.Request{
		UserID:   d.cfg.UserID,
		Source:   d.cfg.Source,
		UserName: d.cfg.UserName,
		Prompt:   prompt,
		Speak:    d.cfg.Speak,
		Auto:     true,
	})
	if err != nil {
		return res, fmt.Errorf("%s activity failed: %w", kind.Name, err)
	}
	if res.StreamErr != nil {
		return res, fmt.Errorf("%s activity failed: %w", kind.Name, res.StreamErr)
	}

	logger.Info("activity: %s: %s", kind.Name, preview(res.Text, 50))
	return res, nil
}

// choose picks a kind by weight. Caller holds mu.
func (d *Driver) choose() (Kind, bool) {
	total := 0
	for _, k := range d.cfg.Kinds {
		if k.Weight > 0 {
			total += k.Weight
		}
	}
	if total == 0 {
		return Kind{}, false
	}

	n := d.rnd.IntN(total)
	for _, k := range d.cfg.Kinds {
		if k.Weight <= 0 {
			continue
		}
		if n < k.Weight {
			return k, true
		}
		n -= k.Weight
	}
	return Kind{}, false
}

// prompt builds the request text for kind. Caller holds mu.
func (d *Driver) prompt(kind Kind, recent []pipeline.Record) string {
	var b strings.Builder
	b.WriteString(d.cfg.Preamble)
	b.WriteString("\n\n")

	if len(recent) > 0 {
		b.WriteString(d.cfg.ContextHeader)
		b.WriteString("\n")
		for _, r := range recent {
			fmt.Fprintf(&b, "%s: %s\n", r.UserID, r.Text)
		}
		b.WriteString("\n")
	}

	if len(kind.Options) > 0 {
		fmt.Fprintf(&b, kind.Request, kind.Options[d.rnd.IntN(len(kind.Options))])
	} else {
		b.WriteString(kind.Fallback)
	}
	if kind.MaxLength > 0 && d.cfg.LengthLimit != "" {
		b.WriteString(" ")
		fmt.Fprintf(&b, d.cfg.LengthLimit, kind.MaxLength)
	}
	if kind.Rule != "" {
		b.WriteString(" ")
		b.WriteString(kind.Rule)
	}
	if len(d.cfg.Encouragements) > 0 {
		b.WriteString(" ")
		b.WriteString(d.cfg.Encouragements[d.rnd.IntN(len(d.cfg.Encouragements))])
	}
	return b.String()
}

func preview(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
