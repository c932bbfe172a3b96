package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/p-blackswan/spotproxy/lru"
)

// DefaultMemoryCapacity bounds the process-local backend.
const DefaultMemoryCapacity = 1024

// Memory is a process-local backend on a TTL-aware LRU. Expired entries are
// dropped on read; the least recently used entry makes room when full.
type Memory struct {
	entries *lru.Cache[string, json.RawMessage]
}

// NewMemory creates a process-local cache.
func NewMemory(capacity int, ttl time.Duration, opts ...Option) *Memory {
	if capacity < 1 {
		capacity = DefaultMemoryCapacity
	}
	ttl = normalizeTTL(ttl)
	o := resolveOptions(opts)
	return &Memory{
		entries: lru.New[string, json.RawMessage](capacity,
			lru.WithTTL[string, json.RawMessage](ttl),
			lru.WithClock[string, json.RawMessage](o.now),
		),
	}
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	v, ok := m.entries.Get(key)
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	m.entries.Put(key, append(json.RawMessage(nil), value...))
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int { return m.entries.Len() }

// Sweep drops expired entries.
func (m *Memory) Sweep() int { return m.entries.Purge() }

// Stats exposes the underlying LRU counters.
func (m *Memory) Stats() lru.Metrics { return m.entries.Metrics() }
