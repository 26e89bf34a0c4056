package kv

import (
	"context"
	"sync/atomic"
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMaxSize = 10000

// MemoryStore is an in-memory LRU store. A zero TTL keeps entries until
// they are evicted.
type MemoryStore struct {
	lru       *expirable.LRU[string, any]
	evictions atomic.Int64
	maxSize   int
}

// NewMemoryStore creates a new in-memory LRU store with the given max size and TTL.
func NewMemoryStore(maxSize int, ttl time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	s := &MemoryStore{maxSize: maxSize}
	s.lru = expirable.NewLRU[string, any](maxSize, func(string, any) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	v, ok := s.lru.Get(key)
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, val any) error {
	s.lru.Add(key, val)
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

// Evictions returns how many entries were evicted or expired.
func (s *MemoryStore) Evictions() int64 {
	return s.evictions.Load()
}

func (s *MemoryStore) Close() error {
	s.lru.Purge()
	return nil
}
