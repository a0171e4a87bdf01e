package replication

import (
	"fmt"
	"time"
)

// Logger interface for replication logging. Fields are alternating
// key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordPropagation(bytes int, offset int64)
	RecordReplicaCount(count int)
	RecordWait(acked int, duration time.Duration)
	RecordReconnection()
	RecordError(errorType string)
}

// SyncError reports a failed step of the replica handshake
type SyncError struct {
	Phase string // "connect", "handshake", "psync", "rdb"
	Err   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s: %v", e.Phase, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type nopMetrics struct{}

func (nopMetrics) RecordSyncDuration(time.Duration)             {}
func (nopMetrics) RecordCommandProcessed(string, time.Duration) {}
func (nopMetrics) RecordPropagation(int, int64)                 {}
func (nopMetrics) RecordReplicaCount(int)                       {}
func (nopMetrics) RecordWait(int, time.Duration)                {}
func (nopMetrics) RecordReconnection()                          {}
func (nopMetrics) RecordError(string)                           {}
