package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// ErrInvalidCommand reports a command with missing or malformed
// arguments. The session that received it is closed.
var ErrInvalidCommand = errors.New("invalid command")

// Server provides Redis protocol server functionality
type Server struct {
	storage storage.Storage
	repl    *replication.Manager

	// Server configuration
	addr        string
	strict      bool
	ackInterval time.Duration
	masterHost  string
	masterPort  int
	logger      replication.Logger
	metrics     replication.MetricsCollector

	// Connection management
	listener net.Listener
	sessions sync.Map // map[net.Conn]*Session

	// Link to our own master, when running as a replica
	masterLink   atomic.Pointer[Session]
	masterReplID atomic.Value // string

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	connCount    atomic.Int64
	commandCount atomic.Int64
	errorCount   atomic.Int64
}

// NewServer creates a new Redis protocol server. repl handles
// propagation and WAIT while the node acts as a master.
func NewServer(addr string, stor storage.Storage, repl *replication.Manager) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		storage: stor,
		repl:    repl,
		addr:    addr,
		logger:  nopLogger{},
		metrics: nopMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger replication.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (s *Server) SetMetrics(metrics replication.MetricsCollector) {
	if metrics != nil {
		s.metrics = metrics
	}
}

// SetStrictCommands makes client sessions answer unknown verbs with an
// error instead of ignoring them
func (s *Server) SetStrictCommands(strict bool) {
	s.strict = strict
}

// SetAckInterval makes the master link send REPLCONF ACK with the
// processed offset every interval. Zero only answers GETACK.
func (s *Server) SetAckInterval(interval time.Duration) {
	s.ackInterval = interval
}

// SetReplicaOf marks the node as a replica of host:port
func (s *Server) SetReplicaOf(host string, port int) {
	s.masterHost = host
	s.masterPort = port
}

// IsMaster reports whether the node accepts writes and propagates them
func (s *Server) IsMaster() bool {
	return s.masterHost == ""
}

// Role returns "master" or "slave", as reported by INFO
func (s *Server) Role() string {
	if s.IsMaster() {
		return "master"
	}
	return "slave"
}

// Start starts the Redis server
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("Server listening", "addr", s.listener.Addr().String(), "role", s.Role())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the Redis server
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.Range(func(key, value interface{}) bool {
		if sess, ok := value.(*Session); ok {
			sess.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Port returns the port the server listens on, or 0 before Start
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	sessionCount := 0
	s.sessions.Range(func(key, value interface{}) bool {
		sessionCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": sessionCount,
		"total_commands":    s.commandCount.Load(),
		"total_errors":      s.errorCount.Load(),
		"total_connections": s.connCount.Load(),
	}
}

// ServeMaster runs the replication-link session for a synchronized
// connection to this node's master. It returns when the link fails, ctx
// is done or the server stops.
func (s *Server) ServeMaster(ctx context.Context, mc *replication.MasterConn) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	sess := s.newSession(mc.Conn, mc.Reader, mc.Writer, true)
	sess.applied.Store(mc.Offset)

	s.masterReplID.Store(mc.ReplID)
	s.masterLink.Store(sess)
	defer s.masterLink.CompareAndSwap(sess, nil)

	stop := context.AfterFunc(ctx, sess.Close)
	defer stop()

	s.wg.Add(1)
	defer s.wg.Done()

	return sess.serve()
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return // Server is shutting down
			}
			s.logger.Error("Accept failed", "error", err)
			continue
		}

		s.connCount.Add(1)
		sess := s.newSession(conn, protocol.NewReader(conn), protocol.NewWriter(conn), false)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sess.serve(); err != nil {
				s.logger.Debug("Session closed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (s *Server) newSession(conn net.Conn, r *protocol.Reader, w *protocol.Writer, link bool) *Session {
	ctx, cancel := context.WithCancel(s.ctx)
	sess := &Session{
		conn:   conn,
		reader: r,
		writer: w,
		server: s,
		link:   link,
		ctx:    ctx,
		cancel: cancel,
	}
	s.sessions.Store(conn, sess)
	return sess
}

// replicationInfo returns the fields reported by INFO
func (s *Server) replicationInfo() map[string]string {
	info := map[string]string{
		"role":              s.Role(),
		"connected_clients": strconv.FormatInt(int64(s.Stats()["connected_clients"].(int)), 10),
	}

	if s.IsMaster() {
		replicas := s.repl.Replicas()
		info["master_replid"] = s.repl.ReplID()
		info["master_repl_offset"] = strconv.FormatInt(s.repl.Offset(), 10)
		info["connected_slaves"] = strconv.Itoa(len(replicas))
		for i, r := range replicas {
			host, port, err := net.SplitHostPort(r.Addr)
			if err != nil {
				host, port = r.Addr, "0"
			}
			info["slave"+strconv.Itoa(i)] = fmt.Sprintf("ip=%s,port=%s,state=online,offset=%d,lag=%d",
				host, port, r.AckedOffset, int64(r.Lag.Seconds()))
		}
		return info
	}

	info["master_host"] = s.masterHost
	info["master_port"] = strconv.Itoa(s.masterPort)

	status := "down"
	offset := int64(0)
	if link := s.masterLink.Load(); link != nil {
		status = "up"
		offset = link.applied.Load()
	}
	info["master_link_status"] = status
	info["slave_repl_offset"] = strconv.FormatInt(offset, 10)
	info["master_repl_offset"] = strconv.FormatInt(offset, 10)
	if id, ok := s.masterReplID.Load().(string); ok {
		info["master_replid"] = id
	}
	return info
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
