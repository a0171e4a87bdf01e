package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Entry
}

// MemoryStorage implements an in-memory storage engine
type MemoryStorage struct {
	// Guards the shard slice itself; FlushAll swaps it
	mu     sync.RWMutex
	shards []shard

	// Sharding configuration
	shardCount int
	shardMask  uint64

	clock    Clock
	observer ExpiryObserver

	expired atomic.Int64
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards for the storage
// The number is automatically rounded up to the next power of 2
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			s.shardCount = nextPowerOf2(count)
			s.shardMask = uint64(s.shardCount - 1)
		}
	}
}

// WithClock replaces time.Now as the source of the current time
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStorage) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithExpiryObserver registers an observer for lazily expired keys
func WithExpiryObserver(o ExpiryObserver) MemoryOption {
	return func(s *MemoryStorage) {
		s.observer = o
	}
}

// NewMemory creates a new in-memory storage instance with default number of shards (64)
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		shardCount: 64,
		shardMask:  63,
		clock:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.shards = s.newShards()
	return s
}

func (s *MemoryStorage) newShards() []shard {
	shards := make([]shard, s.shardCount)
	for i := range shards {
		shards[i].data = make(map[string]*Entry)
	}
	return shards
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// shardFor returns the shard that owns key
func (s *MemoryStorage) shardFor(key string) *shard {
	s.mu.RLock()
	shards := s.shards
	s.mu.RUnlock()
	return &shards[xxhash.Sum64String(key)&s.shardMask]
}

// Get retrieves a value by key. An expired entry is deleted and
// reported as absent.
func (s *MemoryStorage) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	entry, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false
	}

	if entry.IsExpired(s.clock()) {
		sh.mu.RUnlock()
		s.deleteExpiredKey(sh, key)
		return nil, false
	}

	result := make([]byte, len(entry.Value))
	copy(result, entry.Value)
	sh.mu.RUnlock()

	return result, true
}

// Set stores a value and clears any previous expiry
func (s *MemoryStorage) Set(key string, value []byte) {
	s.store(key, value, time.Time{})
}

// SetWithTTL stores a value that expires ttl from now
func (s *MemoryStorage) SetWithTTL(key string, value []byte, ttl time.Duration) {
	s.store(key, value, s.clock().Add(ttl))
}

// SetWithExpiry stores a value with an absolute expiry. A zero
// expiresAt stores the value without expiry.
func (s *MemoryStorage) SetWithExpiry(key string, value []byte, expiresAt time.Time) {
	s.store(key, value, expiresAt)
}

func (s *MemoryStorage) store(key string, value []byte, expiresAt time.Time) {
	entry := &Entry{
		Value:     append([]byte(nil), value...),
		ExpiresAt: expiresAt,
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = entry
	sh.mu.Unlock()
}

// Del deletes one or more keys
func (s *MemoryStorage) Del(keys ...string) int64 {
	now := s.clock()
	deleted := int64(0)

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if entry, exists := sh.data[key]; exists {
			delete(sh.data, key)
			if !entry.IsExpired(now) {
				deleted++
			}
		}
		sh.mu.Unlock()
	}

	return deleted
}

// KeyCount returns the number of stored keys, including expired
// entries that no read has observed yet
func (s *MemoryStorage) KeyCount() int64 {
	s.mu.RLock()
	shards := s.shards
	s.mu.RUnlock()

	count := int64(0)
	for i := range shards {
		sh := &shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}

	return count
}

// FlushAll removes all keys
func (s *MemoryStorage) FlushAll() error {
	shards := s.newShards()

	s.mu.Lock()
	s.shards = shards
	s.mu.Unlock()

	return nil
}

// ForEach calls fn for every live entry. Each shard is read-locked while
// it is visited, so fn must not write to the storage.
func (s *MemoryStorage) ForEach(fn func(key string, entry Entry) bool) {
	s.mu.RLock()
	shards := s.shards
	s.mu.RUnlock()

	now := s.clock()
	for i := range shards {
		sh := &shards[i]
		sh.mu.RLock()
		for key, entry := range sh.data {
			if entry.IsExpired(now) {
				continue
			}
			if !fn(key, *entry) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// Info returns storage information
func (s *MemoryStorage) Info() map[string]interface{} {
	keys := int64(0)
	expires := int64(0)
	s.ForEach(func(_ string, e Entry) bool {
		keys++
		if e.HasExpiry() {
			expires++
		}
		return true
	})

	return map[string]interface{}{
		"keys":         keys,
		"expires":      expires,
		"expired_keys": s.expired.Load(),
		"shards":       s.shardCount,
	}
}

// Close shuts down the storage
func (s *MemoryStorage) Close() error {
	return nil
}

// deleteExpiredKey deletes key if it is still expired once the shard
// write lock is held. A concurrent Set may have replaced it meanwhile.
func (s *MemoryStorage) deleteExpiredKey(sh *shard, key string) {
	sh.mu.Lock()
	entry, exists := sh.data[key]
	if !exists || !entry.IsExpired(s.clock()) {
		sh.mu.Unlock()
		return
	}
	delete(sh.data, key)
	sh.mu.Unlock()

	s.expired.Add(1)
	if s.observer != nil {
		s.observer.OnKeyExpired(key)
	}
}
