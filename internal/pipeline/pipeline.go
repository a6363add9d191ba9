// Package pipeline turns one user prompt into a streamed, spoken answer.
//
// A request goes through the response cache, the user's memory and memory
// commands, then streams the model's answer. Tokens drive avatar cues and
// the text overlay; complete sentences are spoken one at a time while the
// stream waits. The finished answer is committed to memory and cached.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hession/companion/internal/cache"
	"github.com/hession/companion/internal/cue"
	"github.com/hession/companion/internal/llm"
	"github.com/hession/companion/internal/logger"
	"github.com/hession/companion/internal/memory"
	"github.com/hession/companion/internal/overlay"
	"github.com/hession/companion/internal/speech"
	"github.com/hession/companion/internal/users"
)

// Model streams a chat completion
type Model interface {
	ChatStream(ctx context.Context, messages []llm.Message, handler llm.StreamHandler) (*llm.ChatResponse, error)
}

// Display receives avatar events and overlay text. Calls must not block.
type Display interface {
	Publish(ev overlay.Event)
	PublishText(text string)
}

// Users resolves the conversation state of a user. release ends the
// request's hold on the context.
type Users interface {
	Acquire(userID, source string) (uc *users.Context, release func())
}

// Config tunes the dispatcher
type Config struct {
	// UpdateMinChars new characters that trigger a text overlay update
	UpdateMinChars      int
	UpdateOnPunctuation bool
	CueCooldown         time.Duration
	ShutdownSaveTimeout time.Duration
	RecallLongTermMax   int
	RecallPersistentMax int
	TimingHistory       int
	MonitorHistory      int
	CacheSize           int
}

// DefaultConfig returns the default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		UpdateMinChars:      50,
		UpdateOnPunctuation: true,
		CueCooldown:         cue.DefaultCooldown,
		ShutdownSaveTimeout: 2 * time.Second,
		RecallLongTermMax:   3,
		RecallPersistentMax: 2,
		TimingHistory:       DefaultTimingHistory,
		MonitorHistory:      DefaultMonitorHistory,
		CacheSize:           cache.DefaultCapacity,
	}
}

// Request is one user prompt
type Request struct {
	UserID   string
	Source   string
	UserName string
	Prompt   string
	// Speak enables speech and speech events; text sources leave it off
	Speak bool
	// OnToken, if set, receives every token as it arrives
	OnToken llm.StreamHandler
	// Auto marks a prompt generated without a user message. It bypasses the
	// response cache and memory commands, does not count as chat activity and
	// is sent to the model whole instead of as a short-term turn.
	Auto bool
}

// Result is the outcome of a request
type Result struct {
	RequestID string
	Text      string
	Cached    bool
	// Command is the memory command that produced Text, if any
	Command memory.CommandKind
	// StreamErr is set when the model stream failed and Text is partial
	StreamErr error
	Timings   Timing
}

// Pipeline is the streaming dispatcher. It is safe for concurrent use;
// each request carries its own StreamState.
type Pipeline struct {
	model   Model
	users   Users
	speaker speech.Speaker
	cleaner *speech.Cleaner
	display Display
	cache   *cache.ResponseCache
	monitor *Monitor
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	timings []Timing
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithSpeaker sets the speech sink
func WithSpeaker(s speech.Speaker) Option {
	return func(p *Pipeline) { p.speaker = s }
}

// WithCleaner sets the text filters applied before speech
func WithCleaner(c *speech.Cleaner) Option {
	return func(p *Pipeline) { p.cleaner = c }
}

// WithDisplay sets the cue and text sink
func WithDisplay(d Display) Option {
	return func(p *Pipeline) { p.display = d }
}

// WithCache shares a response cache
func WithCache(c *cache.ResponseCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithClock sets the clock used for timings and cue cooldowns
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a dispatcher
func New(model Model, u Users, opts ...Option) *Pipeline {
	p := &Pipeline{
		model:   model,
		users:   u,
		speaker: speech.Nop{},
		display: nopDisplay{},
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	def := DefaultConfig()
	if p.cfg.UpdateMinChars <= 0 {
		p.cfg.UpdateMinChars = def.UpdateMinChars
	}
	if p.cfg.ShutdownSaveTimeout <= 0 {
		p.cfg.ShutdownSaveTimeout = def.ShutdownSaveTimeout
	}
	if p.cfg.TimingHistory <= 0 {
		p.cfg.TimingHistory = def.TimingHistory
	}
	if p.cfg.CacheSize <= 0 {
		p.cfg.CacheSize = def.CacheSize
	}
	if p.cache == nil {
		p.cache = cache.NewResponseCache(p.cfg.CacheSize)
	}
	if p.cleaner == nil {
		p.cleaner = speech.MustCleaner(speech.DefaultFilters())
	}
	p.monitor = newMonitor(p.cfg.MonitorHistory, p.now())
	return p
}

// Respond answers one prompt. Errors from the model are reported in
// Result.StreamErr with the partial answer; the returned error is only set
// when ctx ends the request.
func (p *Pipeline) Respond(ctx context.Context, req Request) (*Result, error) {
	id := uuid.NewString()
	t := newTimer(id, p.now)
	res := &Result{RequestID: id}
	defer func() {
		res.Timings = t.finish()
		p.record(res.Timings)
	}()

	uc, release := p.users.Acquire(req.UserID, req.Source)
	defer release()
	rolePrompt := uc.Role.Get(req.UserID)

	if !req.Auto {
		p.monitor.message(Record{Time: p.now(), UserID: req.UserID, Source: req.Source, Text: req.Prompt})
	}
	defer func() {
		if res.Text != "" {
			p.monitor.answer(Record{Time: p.now(), UserID: req.UserID, Source: req.Source, Text: res.Text})
		}
	}()

	if !req.Auto {
		if answer, ok := p.cache.Get(rolePrompt, req.Prompt); ok {
			logger.Debug("pipeline: [%s] cache hit for %s", id, req.UserID)
			p.display.PublishText(answer)
			t.step("cache_hit")
			res.Text = answer
			res.Cached = true
			return res, nil
		}
	}

	mem := uc.Memory
	if !req.Auto {
		mem.Add(memory.RoleUser, req.Prompt)
		t.step("add_to_short_term")

		answer, cmd, ok := mem.HandleCommand(req.Prompt)
		t.step("memory_commands")
		if ok {
			logger.Info("pipeline: [%s] memory command %s for %s", id, cmd.Kind, req.UserID)
			p.display.PublishText(answer)
			res.Text = answer
			res.Command = cmd.Kind
			return res, nil
		}
	}

	messages := p.buildMessages(uc, rolePrompt, req, t)

	p.display.Publish(overlay.StatusEvent(overlay.StatusThinking))
	t.step("overlay_thinking")

	st := p.newStreamState(ctx, req)
	_, err := p.model.ChatStream(ctx, messages, st.OnToken)
	t.step("llm_stream")

	if ctxErr := ctx.Err(); ctxErr != nil {
		p.display.Publish(overlay.StatusEvent(overlay.StatusIdle))
		res.Text = st.Text()
		p.commitDetached(ctx, mem, res.Text)
		t.step("shutdown_save")
		p.fail(id, req, ctxErr)
		logger.Warn("pipeline: [%s] request canceled: %v", id, ctxErr)
		return res, ctxErr
	}

	if err != nil {
		logger.Error("pipeline: [%s] model stream failed: %v", id, err)
		if left := st.Unspoken(); left != "" {
			logger.Debug("pipeline: [%s] dropped %d unspoken chars", id, len(left))
		}
		p.fail(id, req, err)
		p.display.Publish(overlay.StatusEvent(overlay.StatusIdle))
		res.StreamErr = err
		res.Text = st.Text()
		p.commit(mem, res.Text)
		p.display.PublishText(res.Text)
		t.step("commit_memory")
		return res, nil
	}

	st.Flush()
	t.step("flush_speech")

	res.Text = st.Text()
	p.commit(mem, res.Text)
	t.step("commit_memory")

	p.display.PublishText(res.Text)
	if !req.Auto {
		p.cache.Put(rolePrompt, req.Prompt, res.Text)
	}
	t.step("cache_and_finish")

	logger.Info("pipeline: [%s] answered %s (%d chars, %d chunks spoken)", id, req.UserID, len(res.Text), st.spoken)
	return res, nil
}

// buildMessages assembles role, memory context, recall hits and the
// short-term conversation, which already ends with a user prompt
func (p *Pipeline) buildMessages(uc *users.Context, rolePrompt string, req Request, t *timer) []llm.Message {
	mem := uc.Memory

	messages := []llm.Message{{Role: memory.RoleSystem, Content: rolePrompt}}
	if ctxEntry := mem.ContextPrompt(req.UserName); ctxEntry.Content != "" {
		messages = append(messages, llm.Message{Role: ctxEntry.Role, Content: ctxEntry.Content})
	}
	t.step("context_prompt")

	if mem.WantsRecall(req.Prompt) {
		for _, e := range mem.Recall(req.Prompt, p.cfg.RecallLongTermMax, p.cfg.RecallPersistentMax) {
			messages = append(messages, llm.Message{Role: e.Role, Content: e.Content})
		}
	}
	t.step("search_memory")

	for _, turn := range mem.ShortTerm() {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	if req.Auto {
		messages = append(messages, llm.Message{Role: memory.RoleUser, Content: req.Prompt})
	}
	t.step("form_messages")
	p.monitor.prompt(messages)
	return messages
}

// Monitor returns the record of recent traffic
func (p *Pipeline) Monitor() *Monitor {
	return p.monitor
}

func (p *Pipeline) fail(id string, req Request, err error) {
	p.monitor.failure(ErrorRecord{Time: p.now(), RequestID: id, UserID: req.UserID, Err: err.Error()})
}

func (p *Pipeline) commit(mem *memory.Manager, answer string) {
	if answer != "" {
		mem.Add(memory.RoleAssistant, answer)
	}
	mem.CommitLongTerm()
}

// commitDetached commits memory after the request context ended, waiting no
// longer than the shutdown save timeout
func (p *Pipeline) commitDetached(ctx context.Context, mem *memory.Manager, answer string) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ShutdownSaveTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.commit(mem, answer)
	}()

	select {
	case <-done:
	case <-saveCtx.Done():
		if errors.Is(saveCtx.Err(), context.DeadlineExceeded) {
			logger.Warn("pipeline: memory save did not finish within %v", p.cfg.ShutdownSaveTimeout)
		}
	}
}

type nopDisplay struct{}

func (nopDisplay) Publish(overlay.Event) {}
func (nopDisplay) PublishText(string)    {}
