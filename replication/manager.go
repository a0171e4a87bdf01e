package replication

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// DefaultWaitPollInterval is how often Wait re-counts acknowledgements
// when no ACK arrives in between.
const DefaultWaitPollInterval = 200 * time.Millisecond

// getAckCommand asks every replica to report its applied offset
var getAckCommand = []string{"REPLCONF", "GETACK", "*"}

// Manager owns the master side of replication: the replication id, the
// global offset and the set of connected replica links.
type Manager struct {
	store  storage.Storage
	replID string

	// mu is the propagation lock. Store writes, offset advances, link
	// registration and enqueueing all happen under it.
	mu     sync.Mutex
	offset atomic.Int64
	links  map[uint64]*ReplicaLink
	nextID uint64

	// ackCh is closed and replaced on every ACK to wake waiters
	ackMu sync.Mutex
	ackCh chan struct{}

	pollInterval time.Duration
	logger       Logger
	metrics      MetricsCollector
}

// NewManager creates a replication manager for store with a random
// 40-character replication id.
func NewManager(store storage.Storage) *Manager {
	return &Manager{
		store:        store,
		replID:       newReplID(),
		links:        make(map[uint64]*ReplicaLink),
		ackCh:        make(chan struct{}),
		pollInterval: DefaultWaitPollInterval,
		logger:       nopLogger{},
		metrics:      nopMetrics{},
	}
}

func newReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("replication: generating replid: %v", err))
	}
	return hex.EncodeToString(b)
}

// SetReplID overrides the generated replication id
func (m *Manager) SetReplID(id string) {
	if id != "" {
		m.replID = id
	}
}

// SetPollInterval sets the interval between WAIT acknowledgement checks
func (m *Manager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.pollInterval = d
	}
}

// SetLogger sets the logger
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (m *Manager) SetMetrics(metrics MetricsCollector) {
	if metrics != nil {
		m.metrics = metrics
	}
}

// ReplID returns the replication id announced in FULLRESYNC
func (m *Manager) ReplID() string {
	return m.replID
}

// Offset returns the number of command bytes propagated so far
func (m *Manager) Offset() int64 {
	return m.offset.Load()
}

// ReplicaCount returns the number of registered replica links
func (m *Manager) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Replicas describes every registered link, ordered by id
func (m *Manager) Replicas() []ReplicaInfo {
	now := time.Now()

	m.mu.Lock()
	infos := make([]ReplicaInfo, 0, len(m.links))
	for _, l := range m.links {
		infos = append(infos, l.info(now))
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Propagate runs apply, advances the offset by the encoded length of
// args and queues args on every replica link, all under the propagation
// lock. Every replica therefore sees writes in the order they reached
// the store. It returns the offset after the command.
func (m *Manager) Propagate(args []string, apply func()) int64 {
	size := len(protocol.EncodeCommand(args))

	m.mu.Lock()
	if apply != nil {
		apply()
	}
	offset := m.offset.Add(int64(size))
	for _, l := range m.links {
		l.queue.push(args)
	}
	m.mu.Unlock()

	m.metrics.RecordPropagation(size, offset)
	return offset
}

// Register adds a replica link for a PSYNC request. The RDB snapshot and
// the offset are taken under the propagation lock, so the first command
// queued on the link is the first write the snapshot does not contain.
func (m *Manager) Register(addr string) (link *ReplicaLink, offset int64, snapshot []byte) {
	m.mu.Lock()
	snapshot = EncodeRDB(m.store)
	offset = m.offset.Load()
	m.nextID++
	link = newReplicaLink(m.nextID, addr)
	m.links[link.id] = link
	count := len(m.links)
	m.mu.Unlock()

	m.metrics.RecordReplicaCount(count)
	m.logger.Info("Replica registered", "id", link.id, "addr", addr, "offset", offset, "rdb_bytes", len(snapshot))
	return link, offset, snapshot
}

// Unregister removes link and discards its queue. It is safe to call
// more than once.
func (m *Manager) Unregister(link *ReplicaLink) {
	m.mu.Lock()
	_, ok := m.links[link.id]
	delete(m.links, link.id)
	count := len(m.links)
	m.mu.Unlock()

	link.queue.close()
	if ok {
		m.metrics.RecordReplicaCount(count)
		m.logger.Info("Replica unregistered", "id", link.id, "addr", link.addr)
	}
}

// Serve runs the forwarder and the ack reader of link until either
// fails or ctx is done. Both are torn down together: conn is closed to
// unblock the reader, and the link is unregistered before Serve returns.
func (m *Manager) Serve(ctx context.Context, link *ReplicaLink, conn io.Closer, r *protocol.Reader, w *protocol.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer m.Unregister(link)

	errCh := make(chan error, 2)
	go func() { errCh <- m.forward(ctx, link, w) }()
	go func() { errCh <- m.readAcks(link, r) }()

	var err error
	pending := 2
	select {
	case err = <-errCh:
		pending--
	case <-ctx.Done():
	}

	cancel()
	link.queue.close()
	_ = conn.Close()

	for ; pending > 0; pending-- {
		if e := <-errCh; err == nil {
			err = e
		}
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// forward drains the link queue onto the replica socket
func (m *Manager) forward(ctx context.Context, link *ReplicaLink, w *protocol.Writer) error {
	for {
		batch, ok := link.queue.next(ctx)
		if !ok {
			return nil
		}
		for _, args := range batch {
			if err := w.WriteArgs(args); err != nil {
				return fmt.Errorf("forward to replica %d: %w", link.id, err)
			}
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("forward to replica %d: %w", link.id, err)
		}
	}
}

// readAcks records REPLCONF ACK offsets sent by the replica
func (m *Manager) readAcks(link *ReplicaLink, r *protocol.Reader) error {
	for {
		args, err := r.ReadCommand()
		if err != nil {
			return err
		}

		if len(args) < 3 || !strings.EqualFold(args[0], "REPLCONF") || !strings.EqualFold(args[1], "ACK") {
			m.logger.Debug("Ignoring command from replica", "id", link.id, "command", strings.Join(args, " "))
			continue
		}

		offset, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			m.logger.Error("Invalid ACK offset", "id", link.id, "offset", args[2])
			continue
		}

		link.ack(offset)
		m.notifyAck()
	}
}

func (m *Manager) ackSignal() <-chan struct{} {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.ackCh
}

func (m *Manager) notifyAck() {
	m.ackMu.Lock()
	close(m.ackCh)
	m.ackCh = make(chan struct{})
	m.ackMu.Unlock()
}

// countAcked returns how many links acknowledged at least target
func (m *Manager) countAcked(target int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, l := range m.links {
		if l.AckedOffset() >= target {
			n++
		}
	}
	return n
}

// Wait blocks until numReplicas replicas acknowledged the current offset
// or timeout elapses, and returns the number that did. A zero or negative
// timeout checks once. When nothing was ever propagated every connected
// replica is trivially in sync and their count is returned at once.
func (m *Manager) Wait(ctx context.Context, numReplicas int, timeout time.Duration) int {
	start := time.Now()

	if m.Offset() == 0 {
		n := m.ReplicaCount()
		m.metrics.RecordWait(n, time.Since(start))
		return n
	}

	target := m.Offset()
	m.Propagate(getAckCommand, nil)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	acked := 0
	for {
		signal := m.ackSignal()
		acked = m.countAcked(target)
		if acked >= numReplicas || timeout <= 0 {
			break
		}

		select {
		case <-signal:
			continue
		case <-ticker.C:
			continue
		case <-deadline.C:
		case <-ctx.Done():
		}
		acked = m.countAcked(target)
		break
	}

	m.metrics.RecordWait(acked, time.Since(start))
	m.logger.Debug("WAIT finished", "target", target, "wanted", numReplicas, "acked", acked)
	return acked
}
