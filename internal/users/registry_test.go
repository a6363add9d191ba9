package users

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hession/companion/internal/memory"
)

func newStore(t *testing.T) *memory.FileStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "companion-users-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := memory.NewFileStore(dir)
	require.NoError(t, err)
	return store
}

func TestRegistry_GetReturnsSameContext(t *testing.T) {
	r := NewRegistry(newStore(t), DefaultConfig())

	a := r.Get("alice", "telegram")
	b := r.Get("alice", "discord")
	assert.Same(t, a, b)
	assert.Equal(t, "telegram", b.Source, "source is fixed on creation")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ShortTermSizeBySource(t *testing.T) {
	r := NewRegistry(newStore(t), DefaultConfig())

	voice := r.Get("v", "local")
	text := r.Get("t", "telegram")
	for i := 0; i < 20; i++ {
		voice.Memory.Add(memory.RoleUser, "привет")
		text.Memory.Add(memory.RoleUser, "привет")
	}

	assert.Len(t, voice.Memory.ShortTerm(), memory.DefaultVoiceShortTermSize)
	assert.Len(t, text.Memory.ShortTerm(), memory.DefaultShortTermSize)
}

func TestRegistry_RoleBySource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Roles = map[string]string{"local": "локальная роль", "twitch": "роль твича"}
	r := NewRegistry(newStore(t), cfg)

	assert.Equal(t, "роль твича", r.Get("a", "twitch").Role.Get("a"))
	assert.Equal(t, "локальная роль", r.Get("b", "telegram").Role.Get("b"))
}

func TestRegistry_EvictionPersistsMemory(t *testing.T) {
	store := newStore(t)
	cfg := DefaultConfig()
	cfg.Capacity = 2
	r := NewRegistry(store, cfg)

	alice := r.Get("alice", "telegram")
	alice.Memory.Add(memory.RoleUser, "запомни люблю пиццу")
	alice.Memory.CommitLongTerm()

	// Wipe the file so only the eviction write can restore it
	require.NoError(t, store.SaveLongTerm("alice", nil))

	r.Get("bob", "telegram")
	r.Get("carol", "telegram")
	assert.Equal(t, 2, r.Len())

	saved, err := store.LoadLongTerm("alice")
	require.NoError(t, err)
	assert.Equal(t, []memory.Entry{{Role: memory.RoleUser, Content: "люблю пиццу"}}, saved)

	// Coming back reloads from the store
	again := r.Get("alice", "telegram")
	assert.NotSame(t, alice, again)
	assert.Equal(t, saved, again.Memory.LongTerm())
}

func TestRegistry_SaveAll(t *testing.T) {
	store := newStore(t)
	r := NewRegistry(store, DefaultConfig())

	uc := r.Get("alice", "local")
	uc.Memory.Add(memory.RoleUser, "запомни живу в Москве")
	uc.Memory.CommitLongTerm()
	require.NoError(t, store.SaveLongTerm("alice", nil))

	require.NoError(t, r.Close())
	saved, err := store.LoadLongTerm("alice")
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestRegistry_EvictionWaitsForRequest(t *testing.T) {
	store := newStore(t)
	cfg := DefaultConfig()
	cfg.Capacity = 1
	r := NewRegistry(store, cfg)

	alice, release := r.Acquire("alice", "telegram")
	alice.Memory.Add(memory.RoleUser, "запомни люблю пиццу")
	alice.Memory.CommitLongTerm()
	require.NoError(t, store.SaveLongTerm("alice", nil))

	// bob pushes alice out while her request is still running
	r.Get("bob", "telegram")
	saved, err := store.LoadLongTerm("alice")
	require.NoError(t, err)
	assert.Empty(t, saved, "a busy user is not persisted yet")

	// The release writes the parked memory once
	release()
	release()
	saved, err = store.LoadLongTerm("alice")
	require.NoError(t, err)
	assert.Equal(t, []memory.Entry{{Role: memory.RoleUser, Content: "люблю пиццу"}}, saved)

	again := r.Get("alice", "telegram")
	assert.NotSame(t, alice, again)
	assert.Equal(t, saved, again.Memory.LongTerm())
}

func TestRegistry_ParkedUserComesBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 1
	r := NewRegistry(newStore(t), cfg)

	alice, release := r.Acquire("alice", "telegram")
	defer release()
	r.Get("bob", "telegram")

	// A second request must share the Manager of the one still running
	again, releaseAgain := r.Acquire("alice", "telegram")
	defer releaseAgain()
	assert.Same(t, alice, again)
	assert.Equal(t, 1, r.Len())
}
