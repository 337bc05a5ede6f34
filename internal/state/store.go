// Package state keeps per-symbol alert history for the lifetime of the process.
package state

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 32

// AlertState is the anti-spam history of one alert key.
type AlertState struct {
	LastAlertAt       time.Time
	ConsecutiveAlerts int
	// Suppressed counts qualifying deviations muted by cooldown since the
	// last recovery.
	Suppressed    int
	Blacklisted   bool
	BlacklistedAt time.Time
}

// HasAlerted reports whether an alert was ever fired for the key.
func (s AlertState) HasAlerted() bool {
	return !s.LastAlertAt.IsZero()
}

type shard struct {
	mu      sync.Mutex
	entries map[string]AlertState
}

// Store is a sharded in-memory map of alert state. Read-modify-write of a key
// is atomic; keys on different shards never contend.
type Store struct {
	shards []*shard
}

// NewStore builds a store with the given shard count.
func NewStore(shards int) *Store {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &Store{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]AlertState)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the state for key, creating a zero entry on first access.
func (s *Store) Get(key string) AlertState {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.entries[key]
	if !ok {
		sh.entries[key] = st
	}
	return st
}

// Put overwrites the state for key.
func (s *Store) Put(key string, st AlertState) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = st
	sh.mu.Unlock()
}

// Update applies fn to the current state of key while holding the key's shard
// lock and stores the result.
func (s *Store) Update(key string, fn func(AlertState) AlertState) AlertState {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next := fn(sh.entries[key])
	sh.entries[key] = next
	return next
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Snapshot copies every entry. Shards are locked one at a time, so the copy
// is not a point-in-time view across shards.
func (s *Store) Snapshot() map[string]AlertState {
	out := make(map[string]AlertState)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, v := range sh.entries {
			out[k] = v
		}
		sh.mu.Unlock()
	}
	return out
}
