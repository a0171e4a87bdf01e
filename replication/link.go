package replication

import (
	"sync/atomic"
	"time"
)

// ReplicaLink is the master's view of one connected replica: the queue of
// commands still to be forwarded and the last offset the replica
// acknowledged.
type ReplicaLink struct {
	id          uint64
	addr        string
	connectedAt time.Time

	queue       *commandQueue
	ackedOffset atomic.Int64
	lastAckAt   atomic.Int64 // unix nanoseconds
}

func newReplicaLink(id uint64, addr string) *ReplicaLink {
	return &ReplicaLink{
		id:          id,
		addr:        addr,
		connectedAt: time.Now(),
		queue:       newCommandQueue(),
	}
}

// ID returns the link identifier, unique within one Manager
func (l *ReplicaLink) ID() uint64 {
	return l.id
}

// Addr returns the replica's advertised address
func (l *ReplicaLink) Addr() string {
	return l.addr
}

// AckedOffset returns the most recent offset reported by REPLCONF ACK
func (l *ReplicaLink) AckedOffset() int64 {
	return l.ackedOffset.Load()
}

// Pending returns the number of commands waiting to be forwarded
func (l *ReplicaLink) Pending() int {
	return l.queue.len()
}

func (l *ReplicaLink) ack(offset int64) {
	l.ackedOffset.Store(offset)
	l.lastAckAt.Store(time.Now().UnixNano())
}

// ReplicaInfo is a point-in-time description of a connected replica
type ReplicaInfo struct {
	ID          uint64
	Addr        string
	AckedOffset int64
	Lag         time.Duration // time since the last ACK, or since connect
}

func (l *ReplicaLink) info(now time.Time) ReplicaInfo {
	last := l.connectedAt
	if ns := l.lastAckAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return ReplicaInfo{
		ID:          l.id,
		Addr:        l.addr,
		AckedOffset: l.AckedOffset(),
		Lag:         now.Sub(last),
	}
}
