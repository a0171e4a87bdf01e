package redisnode_test

import (
	"sync/atomic"
	"time"
)

type countingMetrics struct {
	commands     atomic.Int64
	propagations atomic.Int64
	errors       atomic.Int64
}

func (m *countingMetrics) RecordSyncDuration(time.Duration) {}
func (m *countingMetrics) RecordCommandProcessed(string, time.Duration) {
	m.commands.Add(1)
}
func (m *countingMetrics) RecordPropagation(int, int64) {
	m.propagations.Add(1)
}
func (m *countingMetrics) RecordReplicaCount(int)        {}
func (m *countingMetrics) RecordWait(int, time.Duration) {}
func (m *countingMetrics) RecordReconnection()           {}
func (m *countingMetrics) RecordError(string) {
	m.errors.Add(1)
}
