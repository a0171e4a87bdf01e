package redisnode

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/server"
)

// Error types for specific failure scenarios
var (
	// ErrNotConnected indicates the node is not attached to its master
	ErrNotConnected = errors.New("not connected to master")

	// ErrInvalidCommand indicates a command with missing or malformed arguments
	ErrInvalidCommand = server.ErrInvalidCommand

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the node has been closed
	ErrClosed = errors.New("node is closed")
)

// SyncError represents a failed handshake with the master. Phase is one
// of "connect", "handshake", "psync" or "rdb".
type SyncError = replication.SyncError

// ProtocolError represents a malformed RESP frame
type ProtocolError = protocol.ProtocolError

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
