// Package storage provides the key-value store shared by every
// connection of a node.
//
// Keys map to byte-string values with an optional absolute expiry.
// Expired keys are never returned by a read; the read that observes an
// expired entry deletes it. There is no background sweeper.
//
// Basic usage:
//
//	s := storage.NewMemory()
//	s.Set("key", []byte("value"))
//	s.SetWithTTL("session", []byte("token"), 100*time.Millisecond)
//	value, exists := s.Get("key")
//
// Writes are atomic per key. Keys are spread over a power-of-two number
// of shards, each guarded by its own RWMutex.
package storage
