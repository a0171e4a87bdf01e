package redisnode

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/server"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// Node is one server process: a master, or a replica of one
type Node struct {
	// Configuration
	config *config

	// Components
	storage storage.Storage
	repl    *replication.Manager
	client  *replication.Client // nil for a master
	server  *server.Server

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new Node with the given options
//
// The node is created but not started. Use Start() to listen and, for a
// replica, to attach to the master.
//
// Example:
//
//	node, err := redisnode.New(
//		redisnode.WithAddr(":6380"),
//		redisnode.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := &loggerAdapter{logger: cfg.logger}

	storeOpts := []storage.MemoryOption{storage.WithShardCount(cfg.shardCount)}
	if observer, ok := cfg.metrics.(storage.ExpiryObserver); ok {
		storeOpts = append(storeOpts, storage.WithExpiryObserver(observer))
	}
	stor := storage.NewMemory(storeOpts...)

	repl := replication.NewManager(stor)
	repl.SetLogger(logger)
	repl.SetPollInterval(cfg.waitPollInterval)
	if cfg.replID != "" {
		repl.SetReplID(cfg.replID)
	}

	srv := server.NewServer(cfg.addr, stor, repl)
	srv.SetLogger(logger)
	srv.SetStrictCommands(cfg.strictCommands)
	srv.SetAckInterval(cfg.ackInterval)

	node := &Node{
		config:  cfg,
		storage: stor,
		repl:    repl,
		server:  srv,
	}

	if cfg.metrics != nil {
		metrics := &metricsAdapter{metrics: cfg.metrics}
		repl.SetMetrics(metrics)
		srv.SetMetrics(metrics)
	}

	if cfg.masterHost != "" {
		srv.SetReplicaOf(cfg.masterHost, cfg.masterPort)

		client := replication.NewClient(net.JoinHostPort(cfg.masterHost, strconv.Itoa(cfg.masterPort)), stor)
		client.SetLogger(logger)
		client.SetConnectTimeout(cfg.connectTimeout)
		client.SetSyncTimeout(cfg.syncTimeout)
		client.SetReconnectDelay(cfg.reconnectDelay)
		if cfg.metrics != nil {
			client.SetMetrics(&metricsAdapter{metrics: cfg.metrics})
		}
		node.client = client
	}

	return node, nil
}

// Start binds the listener and, for a replica, starts the replication
// client in the background
//
// Start returns once the listener is bound. Use WaitForSync() to wait
// for a replica's first synchronization.
//
// Example:
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}

	if n.started {
		return nil // Already started
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := n.server.Start(); err != nil {
		n.config.logger.Error("Failed to start server", Field{Key: "error", Value: err}, Field{Key: "addr", Value: n.config.addr})
		return &ConnectionError{Addr: n.config.addr, Err: err}
	}
	n.started = true
	n.config.logger.Info("Node listening", Field{Key: "addr", Value: n.server.Addr()}, Field{Key: "role", Value: n.Role()})

	if n.client == nil {
		return nil
	}

	// Replication outlives the Start context; Close stops it
	n.client.SetListeningPort(n.server.Port())
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		if err := n.client.Run(runCtx, n.server.ServeMaster); err != nil && !errors.Is(err, context.Canceled) {
			n.config.logger.Error("Replication stopped", Field{Key: "error", Value: err})
		}
	}()

	return nil
}

// WaitForSync blocks until a replica completed its first
// synchronization or ctx is done. It returns at once for a master.
//
// Example:
//
//	if err := node.WaitForSync(ctx); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) WaitForSync(ctx context.Context) error {
	if n.client == nil {
		return nil
	}
	if !n.isStarted() {
		return ErrNotConnected
	}

	return n.client.WaitForSync(ctx)
}

// Close stops replication, closes every connection and releases storage
//
// Example:
//
//	defer node.Close()
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true

	if n.cancel != nil {
		n.cancel()
	}

	if err := n.server.Stop(); err != nil {
		n.config.logger.Error("Error stopping server", Field{Key: "error", Value: err})
	}

	if n.done != nil {
		<-n.done
	}

	return n.storage.Close()
}

// Addr returns the address the node listens on
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Role returns "master" or "slave"
func (n *Node) Role() string {
	return n.server.Role()
}

// IsMaster reports whether the node is a master
func (n *Node) IsMaster() bool {
	return n.client == nil
}

// Storage returns the underlying storage for direct access
//
// Example:
//
//	value, exists := node.Storage().Get("mykey")
//	if exists {
//		fmt.Printf("Value: %s\n", value)
//	}
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// ReplID returns the replication ID this master announces
func (n *Node) ReplID() string {
	return n.repl.ReplID()
}

// Offset returns the master replication offset
func (n *Node) Offset() int64 {
	return n.repl.Offset()
}

// Replicas returns the replica links of a master
func (n *Node) Replicas() []replication.ReplicaInfo {
	return n.repl.Replicas()
}

// ReplicationStats returns the replica-side replication state. It is the
// zero value on a master.
func (n *Node) ReplicationStats() replication.ReplicationStats {
	if n.client == nil {
		return replication.ReplicationStats{}
	}
	return n.client.Stats()
}

// GetInfo returns detailed information about the node
//
// This includes storage statistics, replication status and version.
//
// Example:
//
//	info := node.GetInfo()
//	fmt.Printf("Key count: %v\n", info["keys"])
func (n *Node) GetInfo() map[string]interface{} {
	info := n.storage.Info()

	replInfo := map[string]interface{}{
		"role": n.Role(),
	}
	if n.client == nil {
		replInfo["replid"] = n.repl.ReplID()
		replInfo["offset"] = n.repl.Offset()
		replInfo["connected_replicas"] = n.repl.ReplicaCount()
	} else {
		stats := n.client.Stats()
		replInfo["master"] = stats.MasterAddr
		replInfo["connected"] = stats.Connected
		replInfo["master_replid"] = stats.MasterReplID
		replInfo["initial_sync_completed"] = stats.InitialSyncCompleted
		replInfo["reconnects"] = stats.ReconnectCount
	}
	info["replication"] = replInfo
	info["server"] = n.server.Stats()
	info["version"] = VersionInfo()

	return info
}

// isStarted returns true if the node is started (thread-safe)
func (n *Node) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.closed
}
