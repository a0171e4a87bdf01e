package replication

import (
	"bytes"
	"context"
	"net"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemory()
	m := NewManager(store)
	m.SetPollInterval(10 * time.Millisecond)
	return m, store
}

func drain(t *testing.T, l *ReplicaLink) [][]string {
	t.Helper()
	if l.Pending() == 0 {
		return nil
	}
	batch, ok := l.queue.next(context.Background())
	if !ok {
		t.Fatal("queue closed")
	}
	return batch
}

func TestNewManagerReplID(t *testing.T) {
	m, _ := newTestManager(t)
	if len(m.ReplID()) != 40 {
		t.Errorf("ReplID() = %q, want 40 hex characters", m.ReplID())
	}
	if _, err := strconv.ParseUint(m.ReplID()[:16], 16, 64); err != nil {
		t.Errorf("ReplID() is not hex: %v", err)
	}

	other := NewManager(storage.NewMemory())
	if other.ReplID() == m.ReplID() {
		t.Error("two managers generated the same replid")
	}

	m.SetReplID("8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb")
	if m.ReplID() != "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb" {
		t.Errorf("SetReplID not applied: %s", m.ReplID())
	}
}

func TestPropagateOffsetIsSumOfEncodedLengths(t *testing.T) {
	m, store := newTestManager(t)

	commands := [][]string{
		{"SET", "a", "1"},
		{"SET", "key", "a much longer value", "px", "1000"},
		{"SET", "", ""},
	}

	var want, prev int64
	for _, args := range commands {
		args := args
		want += int64(len(protocol.EncodeCommand(args)))
		got := m.Propagate(args, func() { store.Set(args[1], []byte(args[2])) })
		if got != want {
			t.Errorf("Propagate(%v) = %d, want %d", args, got, want)
		}
		if got < prev {
			t.Errorf("offset went backwards: %d -> %d", prev, got)
		}
		prev = got
	}

	if m.Offset() != want {
		t.Errorf("Offset() = %d, want %d", m.Offset(), want)
	}
	if v, _ := store.Get("key"); string(v) != "a much longer value" {
		t.Errorf("apply was not run: %q", v)
	}
}

func TestPropagateFanOutOrdering(t *testing.T) {
	m, _ := newTestManager(t)

	l1, _, _ := m.Register("127.0.0.1:7001")
	l2, _, _ := m.Register("127.0.0.1:7002")

	writes := [][]string{
		{"SET", "a", "1"},
		{"SET", "b", "2"},
		{"SET", "a", "3"},
	}
	for _, args := range writes {
		m.Propagate(args, nil)
	}

	for _, l := range []*ReplicaLink{l1, l2} {
		if got := drain(t, l); !reflect.DeepEqual(got, writes) {
			t.Errorf("link %d received %v, want %v", l.ID(), got, writes)
		}
	}
}

func TestRegisterSnapshotAndOffset(t *testing.T) {
	m, store := newTestManager(t)

	m.Propagate([]string{"SET", "before", "1"}, func() { store.Set("before", []byte("1")) })
	link, offset, snapshot := m.Register("127.0.0.1:7001")
	m.Propagate([]string{"SET", "after", "2"}, func() { store.Set("after", []byte("2")) })

	if offset != int64(len(protocol.EncodeCommand([]string{"SET", "before", "1"}))) {
		t.Errorf("offset = %d", offset)
	}

	replica := storage.NewMemory()
	if _, err := LoadRDB(bytes.NewReader(snapshot), replica, nil); err != nil {
		t.Fatalf("LoadRDB() error = %v", err)
	}
	if _, ok := replica.Get("before"); !ok {
		t.Error("snapshot is missing a write made before registration")
	}
	if _, ok := replica.Get("after"); ok {
		t.Error("snapshot contains a write made after registration")
	}

	got := drain(t, link)
	if len(got) != 1 || got[0][1] != "after" {
		t.Errorf("queued = %v, want only the write after registration", got)
	}
}

func TestUnregister(t *testing.T) {
	m, _ := newTestManager(t)
	link, _, _ := m.Register("127.0.0.1:7001")

	if m.ReplicaCount() != 1 {
		t.Fatalf("ReplicaCount() = %d, want 1", m.ReplicaCount())
	}

	m.Unregister(link)
	m.Unregister(link)

	if m.ReplicaCount() != 0 {
		t.Errorf("ReplicaCount() = %d, want 0", m.ReplicaCount())
	}
	if link.queue.push([]string{"PING"}) {
		t.Error("queue still accepts commands after Unregister")
	}
}

func TestWaitWithoutWritesReturnsReplicaCount(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		m.Register("127.0.0.1:" + strconv.Itoa(7000+i))
	}

	start := time.Now()
	n := m.Wait(context.Background(), 5, 10*time.Second)
	if n != 3 {
		t.Errorf("Wait() = %d, want 3", n)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Wait() blocked for %v with a zero offset", time.Since(start))
	}
	if m.Offset() != 0 {
		t.Errorf("Offset() = %d, want 0", m.Offset())
	}
}

func TestWaitQuorum(t *testing.T) {
	m, _ := newTestManager(t)

	var links []*ReplicaLink
	for i := 0; i < 3; i++ {
		l, _, _ := m.Register("127.0.0.1:" + strconv.Itoa(7000+i))
		links = append(links, l)
	}

	target := m.Propagate([]string{"SET", "foo", "bar"}, nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		links[0].ack(target)
		m.notifyAck()
		time.Sleep(10 * time.Millisecond)
		links[2].ack(target)
		m.notifyAck()
	}()

	n := m.Wait(context.Background(), 2, 5*time.Second)
	if n != 2 {
		t.Errorf("Wait() = %d, want 2", n)
	}

	getAckLen := int64(len(protocol.EncodeCommand(getAckCommand)))
	if m.Offset() != target+getAckLen {
		t.Errorf("Offset() = %d, want %d (GETACK counted)", m.Offset(), target+getAckLen)
	}

	for _, l := range links {
		queued := drain(t, l)
		if len(queued) != 2 || !reflect.DeepEqual(queued[1], getAckCommand) {
			t.Errorf("link %d queue = %v, want SET then GETACK", l.ID(), queued)
		}
	}
}

func TestWaitTimeoutReturnsPartialCount(t *testing.T) {
	m, _ := newTestManager(t)

	var links []*ReplicaLink
	for i := 0; i < 3; i++ {
		l, _, _ := m.Register("127.0.0.1:" + strconv.Itoa(7000+i))
		links = append(links, l)
	}

	target := m.Propagate([]string{"SET", "foo", "bar"}, nil)
	links[1].ack(target)
	links[2].ack(target - 1)

	start := time.Now()
	n := m.Wait(context.Background(), 3, 150*time.Millisecond)
	elapsed := time.Since(start)

	if n != 1 {
		t.Errorf("Wait() = %d, want 1", n)
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("Wait() returned after %v, before the timeout", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Wait() took %v", elapsed)
	}
}

func TestWaitZeroTimeoutChecksOnce(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register("127.0.0.1:7000")
	m.Propagate([]string{"SET", "a", "b"}, nil)

	start := time.Now()
	if n := m.Wait(context.Background(), 1, 0); n != 0 {
		t.Errorf("Wait() = %d, want 0", n)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Wait() with zero timeout blocked for %v", time.Since(start))
	}
}

func TestWaitContextCancel(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register("127.0.0.1:7000")
	m.Propagate([]string{"SET", "a", "b"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	m.Wait(ctx, 1, time.Minute)
	if time.Since(start) > 5*time.Second {
		t.Errorf("Wait() ignored context cancellation")
	}
}

func TestServeForwardsAndReadsAcks(t *testing.T) {
	m, _ := newTestManager(t)
	link, _, _ := m.Register("127.0.0.1:7001")

	masterSide, replicaSide := net.Pipe()
	defer replicaSide.Close()

	served := make(chan error, 1)
	go func() {
		served <- m.Serve(context.Background(), link, masterSide,
			protocol.NewReader(masterSide), protocol.NewWriter(masterSide))
	}()

	offset := m.Propagate([]string{"SET", "foo", "bar"}, nil)

	replicaReader := protocol.NewReader(replicaSide)
	args, err := replicaReader.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if !reflect.DeepEqual(args, []string{"SET", "foo", "bar"}) {
		t.Errorf("forwarded %v", args)
	}
	if replicaReader.Offset() != offset {
		t.Errorf("replica offset = %d, master offset = %d", replicaReader.Offset(), offset)
	}

	replicaWriter := protocol.NewWriter(replicaSide)
	_ = replicaWriter.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10))
	if err := replicaWriter.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for link.AckedOffset() != offset && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if link.AckedOffset() != offset {
		t.Fatalf("AckedOffset() = %d, want %d", link.AckedOffset(), offset)
	}

	infos := m.Replicas()
	if len(infos) != 1 || infos[0].AckedOffset != offset || infos[0].Addr != "127.0.0.1:7001" {
		t.Errorf("Replicas() = %+v", infos)
	}

	replicaSide.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after the replica disconnected")
	}

	if m.ReplicaCount() != 0 {
		t.Errorf("ReplicaCount() = %d after disconnect, want 0", m.ReplicaCount())
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	m, _ := newTestManager(t)
	link, _, _ := m.Register("127.0.0.1:7001")

	masterSide, replicaSide := net.Pipe()
	defer replicaSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- m.Serve(ctx, link, masterSide,
			protocol.NewReader(masterSide), protocol.NewWriter(masterSide))
	}()

	cancel()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if m.ReplicaCount() != 0 {
		t.Errorf("ReplicaCount() = %d, want 0", m.ReplicaCount())
	}
}
