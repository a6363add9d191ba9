package activity

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hession/companion/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResponder struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	text string
	err  error
}

func (r *fakeResponder) Respond(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	return &pipeline.Result{Text: r.text}, nil
}

func (r *fakeResponder) requests() []pipeline.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Request(nil), r.reqs...)
}

type fakeTracker struct {
	mu       sync.Mutex
	last     time.Time
	messages []pipeline.Record
	touched  int
}

func (t *fakeTracker) LastMessage() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *fakeTracker) Messages(n int) []pipeline.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]pipeline.Record(nil), msgs...)
}

func (t *fakeTracker) Touch(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = at
	t.touched++
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Preamble = "Ты Скай."
	cfg.Encouragements = []string{"Удиви меня!"}
	cfg.Kinds = []Kind{{
		Name:      KindFact,
		Weight:    1,
		Request:   "Факт на тему: %s.",
		Fallback:  "Любой факт.",
		Options:   []string{"космос"},
		MaxLength: 200,
		Rule:      "Коротко.",
	}}
	return cfg
}

func seeded() Option {
	return WithRand(rand.New(rand.NewPCG(1, 2)))
}

func TestFire_BuildsPromptFromRecentMessages(t *testing.T) {
	resp := &fakeResponder{text: "Звёзды старше нас."}
	tracker := &fakeTracker{messages: []pipeline.Record{
		{UserID: "alice", Text: "привет"},
		{UserID: "bob", Text: "как дела?"},
	}}
	d := New(testConfig(), resp, tracker, seeded())

	res, err := d.Fire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Звёзды старше нас.", res.Text)

	reqs := resp.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.True(t, req.Auto, "activity requests must bypass the cache")
	assert.Equal(t, "auto", req.UserID)
	assert.Equal(t, "auto", req.Source)
	assert.Equal(t, "Скай", req.UserName)
	assert.True(t, req.Speak)
	assert.Equal(t,
		"Ты Скай.\n\n"+
			"Контекст последних сообщений в чате:\nalice: привет\nbob: как дела?\n\n"+
			"Факт на тему: космос. Максимум 200 символов. Коротко. Удиви меня!",
		req.Prompt)
}

func TestFire_ContextLimitAndFallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxContextMessages = 1
	cfg.Kinds[0].Options = nil
	cfg.Kinds[0].MaxLength = 0
	cfg.Encouragements = nil

	resp := &fakeResponder{text: "ok"}
	tracker := &fakeTracker{messages: []pipeline.Record{
		{UserID: "alice", Text: "старое"},
		{UserID: "bob", Text: "новое"},
	}}
	d := New(cfg, resp, tracker, seeded())

	_, err := d.Fire(context.Background())
	require.NoError(t, err)
	assert.Equal(t,
		"Ты Скай.\n\nКонтекст последних сообщений в чате:\nbob: новое\n\nЛюбой факт. Коротко.",
		resp.requests()[0].Prompt)
}

func TestFire_NoContextWithoutMessages(t *testing.T) {
	resp := &fakeResponder{text: "ok"}
	d := New(testConfig(), resp, &fakeTracker{}, seeded())

	_, err := d.Fire(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, resp.requests()[0].Prompt, "Контекст")
}

func TestFire_NoKinds(t *testing.T) {
	cfg := testConfig()
	cfg.Kinds[0].Weight = 0
	resp := &fakeResponder{}
	d := New(cfg, resp, &fakeTracker{}, seeded())

	_, err := d.Fire(context.Background())
	assert.ErrorIs(t, err, ErrNoKinds)
	assert.Empty(t, resp.requests())
}

func TestFire_ErrorIsWrapped(t *testing.T) {
	boom := errors.New("model down")
	d := New(testConfig(), &fakeResponder{err: boom}, &fakeTracker{}, seeded())

	_, err := d.Fire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fact activity failed")
}

func TestChoose_FollowsWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kinds[0].Weight = 0 // fact
	cfg.Kinds[1].Weight = 0 // joke
	cfg.Kinds[2].Weight = 7 // comment
	d := New(cfg, &fakeResponder{}, &fakeTracker{}, seeded())

	for i := 0; i < 50; i++ {
		kind, ok := d.choose()
		require.True(t, ok)
		assert.Equal(t, KindComment, kind.Name)
	}
}

func TestChoose_CoversAllKinds(t *testing.T) {
	d := New(DefaultConfig(), &fakeResponder{}, &fakeTracker{}, seeded())

	seen := make(map[string]int)
	for i := 0; i < 1000; i++ {
		kind, ok := d.choose()
		require.True(t, ok)
		seen[kind.Name]++
	}
	assert.Len(t, seen, 3)
	assert.Greater(t, seen[KindJoke], seen[KindFact]/2)
}

func TestCheck_IdleFiresAndRestartsTimer(t *testing.T) {
	now := time.Unix(10_000, 0)
	resp := &fakeResponder{text: "ok"}
	tracker := &fakeTracker{last: now.Add(-6 * time.Minute)}
	d := New(testConfig(), resp, tracker, seeded(), WithClock(func() time.Time { return now }))

	assert.True(t, d.check(context.Background()))
	assert.Len(t, resp.requests(), 1)
	assert.Equal(t, now, tracker.LastMessage())

	assert.False(t, d.check(context.Background()), "timer restarted after the activity")
	assert.Len(t, resp.requests(), 1)
}

func TestCheck_FailureStillRestartsTimer(t *testing.T) {
	now := time.Unix(10_000, 0)
	tracker := &fakeTracker{last: now.Add(-time.Hour)}
	d := New(testConfig(), &fakeResponder{err: errors.New("boom")}, tracker, seeded(),
		WithClock(func() time.Time { return now }))

	assert.True(t, d.check(context.Background()))
	assert.Equal(t, 1, tracker.touched)
}

func TestCheck_ActiveChatSkips(t *testing.T) {
	now := time.Unix(10_000, 0)
	resp := &fakeResponder{text: "ok"}
	tracker := &fakeTracker{last: now.Add(-time.Minute)}
	d := New(testConfig(), resp, tracker, seeded(), WithClock(func() time.Time { return now }))

	assert.False(t, d.check(context.Background()))
	assert.Empty(t, resp.requests())
	assert.Zero(t, tracker.touched)
}

func TestRun_FiresUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	cfg.InactivityTimeout = time.Millisecond

	resp := &fakeResponder{text: "ok"}
	tracker := &fakeTracker{last: time.Now().Add(-time.Hour)}
	d := New(cfg, resp, tracker, seeded())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(resp.requests()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNew_DefaultsDurations(t *testing.T) {
	d := New(Config{}, &fakeResponder{}, &fakeTracker{})
	assert.Equal(t, 5*time.Minute, d.cfg.InactivityTimeout)
	assert.Equal(t, time.Minute, d.cfg.CheckInterval)
}
