package storage

import "time"

// Storage defines the interface for data storage operations
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	SetWithTTL(key string, value []byte, ttl time.Duration)
	SetWithExpiry(key string, value []byte, expiresAt time.Time)
	Del(keys ...string) int64

	// Key operations
	KeyCount() int64
	FlushAll() error

	// Iteration over live entries, stops when fn returns false
	ForEach(fn func(key string, entry Entry) bool)

	// Info and stats
	Info() map[string]interface{}

	// Shutdown
	Close() error
}

// ExpiryObserver is notified when a read removes an expired key
type ExpiryObserver interface {
	OnKeyExpired(key string)
}

// Clock returns the current time. Tests substitute a fake one.
type Clock func() time.Time
