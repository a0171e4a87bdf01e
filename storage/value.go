package storage

import "time"

// Entry is a stored value with its optional expiry.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time // zero means no expiry
}

// HasExpiry reports whether the entry carries an expiry
func (e Entry) HasExpiry() bool {
	return !e.ExpiresAt.IsZero()
}

// IsExpired returns true if the entry has expired at now
func (e Entry) IsExpired(now time.Time) bool {
	return e.HasExpiry() && !now.Before(e.ExpiresAt)
}
