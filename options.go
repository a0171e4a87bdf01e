package redisnode

import (
	"encoding/hex"
	"net"
	"strconv"
	"time"
)

// config holds the configuration for a Node
type config struct {
	// Listener
	addr string

	// Master this node replicates from; empty host means master role
	masterHost string
	masterPort int

	// Timeouts
	connectTimeout   time.Duration
	syncTimeout      time.Duration
	reconnectDelay   time.Duration
	waitPollInterval time.Duration
	ackInterval      time.Duration

	// Storage
	shardCount int

	// Observability
	logger  Logger
	metrics MetricsCollector

	// Behavioral options
	strictCommands bool
	replID         string
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		addr:             ":6379",
		connectTimeout:   5 * time.Second,
		syncTimeout:      30 * time.Second,
		reconnectDelay:   time.Second,
		waitPollInterval: 200 * time.Millisecond,
		shardCount:       64,
		logger:           defaultLogger(),
	}
}

// Option represents a configuration option for a Node
type Option func(*config) error

// WithAddr sets the address the node listens on
//
// Example:
//
//	WithAddr(":6380")
//	WithAddr("127.0.0.1:0")
func WithAddr(addr string) Option {
	return func(c *config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		c.addr = addr
		return nil
	}
}

// WithPort sets the listening port on all interfaces
//
// Example:
//
//	WithPort(6380)
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidConfig
		}
		c.addr = ":" + strconv.Itoa(port)
		return nil
	}
}

// WithReplicaOf makes the node a replica of the master at host:port
//
// Example:
//
//	WithReplicaOf("localhost", 6379)
func WithReplicaOf(host string, port int) Option {
	return func(c *config) error {
		if host == "" || port <= 0 || port > 65535 {
			return &ConnectionError{
				Addr: net.JoinHostPort(host, strconv.Itoa(port)),
				Err:  ErrInvalidConfig,
			}
		}
		c.masterHost = host
		c.masterPort = port
		return nil
	}
}

// WithConnectTimeout sets the dial timeout for the master connection
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithSyncTimeout bounds the whole handshake, snapshot included
//
// Example:
//
//	WithSyncTimeout(60 * time.Second)
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.syncTimeout = timeout
		return nil
	}
}

// WithReconnectDelay sets the pause between attempts to reattach to the
// master
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return ErrInvalidConfig
		}
		c.reconnectDelay = delay
		return nil
	}
}

// WithWaitPollInterval sets how often WAIT re-counts acknowledgements
// between ACK arrivals
func WithWaitPollInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return ErrInvalidConfig
		}
		c.waitPollInterval = interval
		return nil
	}
}

// WithAckInterval makes a replica send REPLCONF ACK with its processed
// offset every interval, besides answering GETACK. Zero disables it.
//
// Example:
//
//	WithAckInterval(time.Second)
func WithAckInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return ErrInvalidConfig
		}
		c.ackInterval = interval
		return nil
	}
}

// WithShardCount sets the number of storage shards, rounded up to a
// power of two
func WithShardCount(count int) Option {
	return func(c *config) error {
		if count <= 0 {
			return ErrInvalidConfig
		}
		c.shardCount = count
		return nil
	}
}

// WithLogger sets a custom logger for the node
//
// Example:
//
//	WithLogger(redisnode.NewZerologLogger(zerolog.New(os.Stdout)))
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector.
// A collector that also has an OnKeyExpired(key string) method is told
// about expired keys.
//
// Example:
//
//	WithMetrics(metrics.NewPrometheusCollector())
func WithMetrics(collector MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = collector
		return nil
	}
}

// WithStrictCommands answers unknown commands with an error instead of
// ignoring them. Client libraries that probe the server with HELLO or
// CLIENT need it.
func WithStrictCommands(strict bool) Option {
	return func(c *config) error {
		c.strictCommands = strict
		return nil
	}
}

// WithReplID fixes the replication ID a master announces, as 40
// hexadecimal characters. By default a random one is generated.
func WithReplID(id string) Option {
	return func(c *config) error {
		if len(id) != 40 {
			return ErrInvalidConfig
		}
		if _, err := hex.DecodeString(id); err != nil {
			return ErrInvalidConfig
		}
		c.replID = id
		return nil
	}
}
