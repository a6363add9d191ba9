// Package users keeps the per-user conversation state: memory and role
package users

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hession/companion/internal/logger"
	"github.com/hession/companion/internal/memory"
	"github.com/hession/companion/internal/role"
)

// DefaultCapacity is the number of users kept in memory
const DefaultCapacity = 100

// Context is the state of one user
type Context struct {
	UserID string
	Source string
	Memory *memory.Manager
	Role   *role.Manager

	inFlight int // requests holding the context, guarded by Registry.mu
}

// Config configures a Registry
type Config struct {
	Capacity           int
	Memory             memory.Options
	Persona            memory.Persona
	VoiceSources       []string // sources with a longer short-term buffer
	VoiceShortTermSize int
	Roles              map[string]string // role prompt per source
	FallbackRole       string
}

// DefaultConfig returns the stock registry configuration
func DefaultConfig() Config {
	return Config{
		Capacity:           DefaultCapacity,
		Memory:             memory.DefaultOptions(),
		Persona:            memory.DefaultPersona(),
		VoiceSources:       []string{"local", "discord_voice"},
		VoiceShortTermSize: memory.DefaultVoiceShortTermSize,
		FallbackRole:       memory.DefaultPersona().Base,
	}
}

// Registry is a bounded, least-recently-used set of user contexts. Users
// pushed out of the registry have their long-term memory persisted. A user
// evicted while a request is in flight is parked until the request releases
// it, so a returning user never gets a second Manager for the same memory.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	store  memory.Store
	users  *lru.Cache[string, *Context]
	parked map[string]*Context
}

// NewRegistry creates a registry backed by store
func NewRegistry(store memory.Store, cfg Config) *Registry {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	r := &Registry{cfg: cfg, store: store, parked: make(map[string]*Context)}
	users, err := lru.NewWithEvict[string, *Context](cfg.Capacity, r.evicted)
	if err != nil {
		// lru.NewWithEvict only rejects a non-positive size
		panic(err)
	}
	r.users = users
	return r
}

// evicted runs inside Get, with mu held
func (r *Registry) evicted(userID string, uc *Context) {
	if uc.inFlight > 0 {
		r.parked[userID] = uc
		logger.Debug("users: parked %s until its request finishes", userID)
		return
	}
	persist(uc)
	logger.Debug("users: evicted %s from the registry", userID)
}

func persist(uc *Context) {
	if err := uc.Memory.Persist(); err != nil {
		logger.Error("users: failed to persist evicted user %s: %v", uc.UserID, err)
	}
}

// Get returns the context of userID, creating and loading it on first use.
// source only matters on creation.
func (r *Registry) Get(userID, source string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(userID, source)
}

// Acquire is Get for the duration of a request. The context is not dropped
// from memory until release is called; release is safe to call twice.
func (r *Registry) Acquire(userID, source string) (uc *Context, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uc = r.get(userID, source)
	uc.inFlight++
	var once sync.Once
	return uc, func() {
		once.Do(func() { r.release(uc) })
	}
}

func (r *Registry) release(uc *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uc.inFlight--
	if uc.inFlight == 0 && r.parked[uc.UserID] == uc {
		delete(r.parked, uc.UserID)
		persist(uc)
		logger.Debug("users: evicted %s from the registry", uc.UserID)
	}
}

func (r *Registry) get(userID, source string) *Context {
	if uc, ok := r.users.Get(userID); ok {
		return uc
	}
	if uc, ok := r.parked[userID]; ok {
		delete(r.parked, userID)
		r.users.Add(userID, uc)
		return uc
	}

	opts := r.cfg.Memory
	if r.isVoice(source) && r.cfg.VoiceShortTermSize > 0 {
		opts.ShortTermSize = r.cfg.VoiceShortTermSize
	}

	uc := &Context{
		UserID: userID,
		Source: source,
		Memory: memory.NewManager(userID, r.store, opts, memory.WithPersona(r.cfg.Persona)),
		Role:   role.New(userID, source, r.cfg.Roles, r.cfg.FallbackRole),
	}
	r.users.Add(userID, uc)
	return uc
}

func (r *Registry) isVoice(source string) bool {
	for _, s := range r.cfg.VoiceSources {
		if s == source {
			return true
		}
	}
	return false
}

// Len returns the number of cached users
func (r *Registry) Len() int {
	return r.users.Len()
}

// SaveAll persists the long-term memory of every cached or parked user
func (r *Registry) SaveAll() error {
	r.mu.Lock()
	contexts := r.users.Values()
	for _, uc := range r.parked {
		contexts = append(contexts, uc)
	}
	r.mu.Unlock()

	var errs []error
	for _, uc := range contexts {
		if err := uc.Memory.Persist(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close persists every user. The store is owned by the caller.
func (r *Registry) Close() error {
	return r.SaveAll()
}
