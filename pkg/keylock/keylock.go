// Package keylock provides per-key mutual exclusion inside one process.
//
// Keys are spread over a fixed number of shards. Each key gets a one-slot
// semaphore that lives only while somebody holds or waits for it, so the
// manager never grows with the number of distinct keys ever seen.
package keylock

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is used when New receives a non-positive shard count.
const DefaultShards = 64

// Unlock releases a held key. Calling it more than once is a no-op.
type Unlock func()

type entry struct {
	sem  chan struct{}
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Manager hands out per-key locks.
type Manager struct {
	shards []*shard
}

// New creates a Manager with n shards.
func New(n int) *Manager {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Manager{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return m
}

func (m *Manager) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (s *shard) ref(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.refs++
	return e
}

func (s *shard) unref(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

func (m *Manager) unlocker(s *shard, key string, e *entry) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			s.unref(key, e)
		})
	}
}

// TryLock acquires key without waiting. ok is false when the key is held.
func (m *Manager) TryLock(key string) (Unlock, bool) {
	s := m.shardFor(key)
	e := s.ref(key)
	select {
	case e.sem <- struct{}{}:
		return m.unlocker(s, key, e), true
	default:
		s.unref(key, e)
		return nil, false
	}
}

// Lock waits for key until ctx is done.
func (m *Manager) Lock(ctx context.Context, key string) (Unlock, error) {
	s := m.shardFor(key)
	e := s.ref(key)
	select {
	case e.sem <- struct{}{}:
		return m.unlocker(s, key, e), nil
	case <-ctx.Done():
		s.unref(key, e)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Manager) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
