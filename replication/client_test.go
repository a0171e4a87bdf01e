package replication

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// fakeMaster accepts replica connections and plays the master side of
// the handshake
type fakeMaster struct {
	ln       net.Listener
	snapshot []byte
	offset   string
	pingErr  bool
	after    [][]string // commands streamed after the snapshot

	mu       sync.Mutex
	received [][]string
	accepted atomic.Int32
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fm := &fakeMaster{ln: ln, snapshot: EmptyRDB(), offset: "0"}
	t.Cleanup(func() { ln.Close() })
	return fm
}

func (fm *fakeMaster) addr() string {
	return fm.ln.Addr().String()
}

func (fm *fakeMaster) serve() {
	for {
		conn, err := fm.ln.Accept()
		if err != nil {
			return
		}
		fm.accepted.Add(1)
		go fm.handle(conn)
	}
}

func (fm *fakeMaster) handle(conn net.Conn) {
	defer conn.Close()
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	for {
		args, err := r.ReadCommand()
		if err != nil {
			return
		}
		fm.mu.Lock()
		fm.received = append(fm.received, args)
		fm.mu.Unlock()

		switch args[0] {
		case "PING":
			if fm.pingErr {
				_ = w.WriteError("NOAUTH Authentication required.")
			} else {
				_ = w.WritePONG()
			}
		case "REPLCONF":
			_ = w.WriteOK()
		case "PSYNC":
			_ = w.WriteSimpleString("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb " + fm.offset)
			_ = w.WriteSnapshot(fm.snapshot)
			for _, cmd := range fm.after {
				_ = w.WriteArgs(cmd)
			}
		}
		_ = w.Flush()
	}
}

func (fm *fakeMaster) commands() [][]string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([][]string(nil), fm.received...)
}

func TestHandshake(t *testing.T) {
	fm := newFakeMaster(t)

	masterStore := storage.NewMemory()
	masterStore.Set("existing", []byte("value"))
	fm.snapshot = EncodeRDB(masterStore)
	fm.offset = "100"
	fm.after = [][]string{{"SET", "foo", "bar"}}
	go fm.serve()

	store := storage.NewMemory()
	store.Set("stale", []byte("x"))

	client := NewClient(fm.addr(), store)
	client.SetListeningPort(6380)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mc, err := client.Handshake(ctx)
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
	defer mc.Close()

	want := [][]string{
		{"PING"},
		{"REPLCONF", "listening-port", "6380"},
		{"REPLCONF", "capa", "psync2"},
		{"PSYNC", "?", "-1"},
	}
	if got := fm.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("master received %v, want %v", got, want)
	}

	if mc.ReplID != "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb" {
		t.Errorf("ReplID = %q", mc.ReplID)
	}
	if mc.Offset != 100 || mc.Reader.Offset() != 100 {
		t.Errorf("Offset = %d, reader offset = %d; want 100", mc.Offset, mc.Reader.Offset())
	}

	if v, ok := store.Get("existing"); !ok || string(v) != "value" {
		t.Errorf("snapshot not loaded: %q, %v", v, ok)
	}
	if _, ok := store.Get("stale"); ok {
		t.Error("store was not flushed before loading the snapshot")
	}

	args, err := mc.Reader.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if !reflect.DeepEqual(args, []string{"SET", "foo", "bar"}) {
		t.Errorf("streamed command = %v", args)
	}
	if wantOff := int64(100 + len(protocol.EncodeCommand(args))); mc.Reader.Offset() != wantOff {
		t.Errorf("reader offset = %d, want %d", mc.Reader.Offset(), wantOff)
	}

	stats := client.Stats()
	if !stats.Connected || !stats.InitialSyncCompleted || stats.KeysLoaded != 1 || stats.InitialOffset != 100 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestHandshakeMasterError(t *testing.T) {
	fm := newFakeMaster(t)
	fm.pingErr = true
	go fm.serve()

	client := NewClient(fm.addr(), storage.NewMemory())
	_, err := client.Handshake(context.Background())

	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("Handshake() error = %v, want *SyncError", err)
	}
	if se.Phase != "handshake" {
		t.Errorf("Phase = %q, want handshake", se.Phase)
	}
}

func TestHandshakeCorruptSnapshot(t *testing.T) {
	fm := newFakeMaster(t)
	fm.snapshot = []byte("NOTANRDB!")
	go fm.serve()

	client := NewClient(fm.addr(), storage.NewMemory())
	_, err := client.Handshake(context.Background())

	var se *SyncError
	if !errors.As(err, &se) || se.Phase != "rdb" {
		t.Fatalf("Handshake() error = %v, want rdb SyncError", err)
	}
}

func TestHandshakeConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(addr, storage.NewMemory())
	client.SetConnectTimeout(time.Second)
	_, err = client.Handshake(context.Background())

	var se *SyncError
	if !errors.As(err, &se) || se.Phase != "connect" {
		t.Fatalf("Handshake() error = %v, want connect SyncError", err)
	}
}

func TestParseFullResync(t *testing.T) {
	tests := []struct {
		line    string
		replID  string
		offset  int64
		wantErr bool
	}{
		{line: "+FULLRESYNC abc 0", replID: "abc", offset: 0},
		{line: "+FULLRESYNC abc 1234", replID: "abc", offset: 1234},
		{line: "+CONTINUE", wantErr: true},
		{line: "+FULLRESYNC abc", wantErr: true},
		{line: "+FULLRESYNC abc -5", wantErr: true},
		{line: "+FULLRESYNC abc x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			replID, offset, err := parseFullResync(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (replID != tt.replID || offset != tt.offset) {
				t.Errorf("got %q %d, want %q %d", replID, offset, tt.replID, tt.offset)
			}
		})
	}
}

func TestRunReconnects(t *testing.T) {
	fm := newFakeMaster(t)
	go fm.serve()

	client := NewClient(fm.addr(), storage.NewMemory())
	client.SetReconnectDelay(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var served atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(ctx context.Context, mc *MasterConn) error {
			if served.Add(1) >= 3 {
				cancel()
			}
			return errors.New("link dropped")
		})
	}()

	if err := client.WaitForSync(ctx); err != nil && served.Load() == 0 {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not stop")
	}

	if served.Load() < 3 {
		t.Errorf("serve called %d times, want at least 3", served.Load())
	}
	if fm.accepted.Load() < 3 {
		t.Errorf("master accepted %d connections, want at least 3", fm.accepted.Load())
	}
	if client.Stats().ReconnectCount < 2 {
		t.Errorf("ReconnectCount = %d, want at least 2", client.Stats().ReconnectCount)
	}
	if client.Stats().Connected {
		t.Error("Connected should be false after Run returned")
	}
}

func TestWaitForSyncTimeout(t *testing.T) {
	client := NewClient("127.0.0.1:1", storage.NewMemory())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := client.WaitForSync(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForSync() error = %v, want DeadlineExceeded", err)
	}
}
