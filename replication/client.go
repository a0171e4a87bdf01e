package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// Client performs the replica side of replication against one master
type Client struct {
	// Configuration
	masterAddr     string
	listeningPort  int
	storage        storage.Storage
	connectTimeout time.Duration
	syncTimeout    time.Duration
	reconnectDelay time.Duration
	logger         Logger
	metrics        MetricsCollector

	// Replication state
	mu    sync.RWMutex
	stats ReplicationStats

	synced   chan struct{}
	syncOnce sync.Once
}

// ReplicationStats tracks replica-side replication state
type ReplicationStats struct {
	Connected            bool
	MasterAddr           string
	MasterReplID         string
	InitialOffset        int64 // offset announced by the last FULLRESYNC
	KeysLoaded           int
	LastSyncTime         time.Time
	ReconnectCount       int64
	InitialSyncCompleted bool
}

// MasterConn is an established, synchronized link to the master. Reader
// counts bytes from the master's announced offset onward.
type MasterConn struct {
	Conn   net.Conn
	Reader *protocol.Reader
	Writer *protocol.Writer
	ReplID string
	Offset int64
}

// Close closes the underlying connection
func (mc *MasterConn) Close() error {
	return mc.Conn.Close()
}

// NewClient creates a new replication client
func NewClient(masterAddr string, stor storage.Storage) *Client {
	return &Client{
		masterAddr:     masterAddr,
		storage:        stor,
		connectTimeout: 5 * time.Second,
		syncTimeout:    30 * time.Second,
		reconnectDelay: time.Second,
		logger:         nopLogger{},
		metrics:        nopMetrics{},
		stats:          ReplicationStats{MasterAddr: masterAddr},
		synced:         make(chan struct{}),
	}
}

// SetListeningPort sets the port announced with REPLCONF listening-port
func (c *Client) SetListeningPort(port int) {
	c.listeningPort = port
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (c *Client) SetMetrics(metrics MetricsCollector) {
	if metrics != nil {
		c.metrics = metrics
	}
}

// SetConnectTimeout sets the dial timeout
func (c *Client) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

// SetSyncTimeout bounds the whole handshake including the snapshot
// transfer. Zero disables the bound.
func (c *Client) SetSyncTimeout(timeout time.Duration) {
	c.syncTimeout = timeout
}

// SetReconnectDelay sets the pause between reconnection attempts
func (c *Client) SetReconnectDelay(delay time.Duration) {
	c.reconnectDelay = delay
}

// MasterAddr returns the configured master address
func (c *Client) MasterAddr() string {
	return c.masterAddr
}

// Stats returns current replication statistics
func (c *Client) Stats() ReplicationStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// WaitForSync blocks until the first handshake completed or ctx is done
func (c *Client) WaitForSync(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handshake connects to the master, performs PING, REPLCONF and PSYNC,
// and loads the transferred snapshot into storage.
func (c *Client) Handshake(ctx context.Context) (*MasterConn, error) {
	start := time.Now()
	c.logger.Debug("Connecting to master", "addr", c.masterAddr)

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.masterAddr)
	if err != nil {
		return nil, &SyncError{Phase: "connect", Err: err}
	}

	if c.syncTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.syncTimeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	mc, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	duration := time.Since(start)
	c.metrics.RecordSyncDuration(duration)
	c.logger.Info("Initial synchronization completed", "master", c.masterAddr, "replid", mc.ReplID, "offset", mc.Offset, "duration", duration)
	return mc, nil
}

func (c *Client) handshake(conn net.Conn) (*MasterConn, error) {
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	steps := [][]string{
		{"PING"},
		{"REPLCONF", "listening-port", strconv.Itoa(c.listeningPort)},
		{"REPLCONF", "capa", "psync2"},
	}
	for _, step := range steps {
		if _, err := c.exchange(r, w, step); err != nil {
			return nil, &SyncError{Phase: "handshake", Err: err}
		}
	}

	line, err := c.exchange(r, w, []string{"PSYNC", "?", "-1"})
	if err != nil {
		return nil, &SyncError{Phase: "psync", Err: err}
	}

	replID, offset, err := parseFullResync(line)
	if err != nil {
		return nil, &SyncError{Phase: "psync", Err: err}
	}

	payload, err := readSnapshot(r)
	if err != nil {
		return nil, &SyncError{Phase: "rdb", Err: err}
	}

	if err := c.storage.FlushAll(); err != nil {
		return nil, &SyncError{Phase: "rdb", Err: err}
	}
	loaded, err := LoadRDB(bytes.NewReader(payload), c.storage, c.logger)
	if err != nil {
		return nil, &SyncError{Phase: "rdb", Err: err}
	}

	r.SetOffset(offset)

	c.mu.Lock()
	c.stats.Connected = true
	c.stats.MasterReplID = replID
	c.stats.InitialOffset = offset
	c.stats.KeysLoaded = loaded
	c.stats.LastSyncTime = time.Now()
	c.stats.InitialSyncCompleted = true
	c.mu.Unlock()

	return &MasterConn{Conn: conn, Reader: r, Writer: w, ReplID: replID, Offset: offset}, nil
}

// exchange sends one command and reads back one reply line
func (c *Client) exchange(r *protocol.Reader, w *protocol.Writer, args []string) (string, error) {
	if err := w.WriteArgs(args); err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", err
	}

	line, err := r.ReadLine()
	if err != nil {
		return "", fmt.Errorf("%s: %w", args[0], err)
	}
	if len(line) > 0 && line[0] == '-' {
		return "", fmt.Errorf("%s: master replied %s", args[0], line[1:])
	}

	c.logger.Debug("Handshake step", "command", strings.Join(args, " "), "reply", string(line))
	return string(line), nil
}

// parseFullResync parses "+FULLRESYNC <replid> <offset>"
func parseFullResync(line string) (string, int64, error) {
	parts := strings.Fields(strings.TrimPrefix(line, "+"))
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return "", 0, fmt.Errorf("unsupported PSYNC response: %q", line)
	}

	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, fmt.Errorf("invalid offset in PSYNC response: %q", parts[2])
	}

	return parts[1], offset, nil
}

// readSnapshot reads "$<len>\r\n" and exactly len payload bytes
func readSnapshot(r *protocol.Reader) ([]byte, error) {
	if err := r.SkipNewlines(); err != nil {
		return nil, err
	}
	header, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	if len(header) < 2 || header[0] != '$' {
		return nil, fmt.Errorf("expected snapshot length, got %q", header)
	}

	size, err := strconv.Atoi(string(header[1:]))
	if err != nil || size < 0 {
		return nil, fmt.Errorf("invalid snapshot length: %q", header)
	}

	return r.ReadN(size)
}

// Run keeps the replica attached to its master. Each time a handshake
// succeeds serve is called with the link; when serve returns the link is
// closed and, after the reconnect delay, a new handshake starts. Run
// returns when ctx is done.
func (c *Client) Run(ctx context.Context, serve func(ctx context.Context, mc *MasterConn) error) error {
	c.logger.Info("Starting replication client", "master", c.masterAddr)

	for {
		mc, err := c.Handshake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Sync failed", "master", c.masterAddr, "error", err)
			c.metrics.RecordError(syncErrorType(err))
		} else {
			c.syncOnce.Do(func() { close(c.synced) })

			err = serve(ctx, mc)
			mc.Close()
			c.setConnected(false)

			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Master link lost", "master", c.masterAddr, "error", err)
			c.metrics.RecordError("streaming")
		}

		select {
		case <-time.After(c.reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		c.stats.ReconnectCount++
		c.mu.Unlock()
		c.metrics.RecordReconnection()
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.stats.Connected = connected
	c.mu.Unlock()
}

func syncErrorType(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Phase
	}
	return "sync"
}
