// Package cache memoizes finalized answers for the response pipeline
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCapacity default number of answers kept
const DefaultCapacity = 1000

// Key identifies a cached answer: the role prompt in effect plus the user prompt
type Key struct {
	Role   string
	Prompt string
}

// ResponseCache memoizes finalized answers by (role, prompt). Reads promote
// entries; time plays no part in eviction.
type ResponseCache struct {
	lru *lru.Cache[Key, string]
}

// NewResponseCache creates a response cache holding at most capacity answers.
// A non-positive capacity falls back to DefaultCapacity.
func NewResponseCache(capacity int) *ResponseCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[Key, string](capacity)
	if err != nil {
		// lru.New only rejects a non-positive size
		panic(err)
	}
	return &ResponseCache{lru: c}
}

// Get looks up an answer and promotes it on hit
func (c *ResponseCache) Get(role, prompt string) (string, bool) {
	return c.lru.Get(Key{Role: role, Prompt: prompt})
}

// Put stores an answer, evicting the least recently used one when full
func (c *ResponseCache) Put(role, prompt, answer string) {
	c.lru.Add(Key{Role: role, Prompt: prompt}, answer)
}

// Len returns the number of cached answers
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}
