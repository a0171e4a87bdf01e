package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
)

// Config is the process configuration. It is read from an optional YAML
// file; command line flags override the file.
type Config struct {
	Bind             string        `yaml:"bind"`
	Port             int           `yaml:"port"`
	ReplicaOf        string        `yaml:"replicaof"` // "host port"
	StrictCommands   bool          `yaml:"strict-commands"`
	AckInterval      time.Duration `yaml:"ack-interval"`
	WaitPollInterval time.Duration `yaml:"wait-poll-interval"`
	ConnectTimeout   time.Duration `yaml:"connect-timeout"`
	SyncTimeout      time.Duration `yaml:"sync-timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect-delay"`
	MetricsAddr      string        `yaml:"metrics-addr"`
	LogLevel         string        `yaml:"log-level"`
}

func defaultConfig() *Config {
	return &Config{
		Port:             6379,
		WaitPollInterval: 200 * time.Millisecond,
		ConnectTimeout:   5 * time.Second,
		SyncTimeout:      30 * time.Second,
		ReconnectDelay:   time.Second,
		LogLevel:         "info",
	}
}

// loadConfig parses args, reading the file named by --config first
func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("redis-node", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	bind := fs.String("bind", "", "Interface to listen on (default all)")
	port := fs.Int("port", 6379, "Port to listen on")
	replicaOf := fs.String("replicaof", "", `Master to replicate from, as "host port"`)
	strict := fs.Bool("strict", false, "Answer unknown commands with an error")
	ackInterval := fs.Duration("ack-interval", 0, "Send REPLCONF ACK to the master every interval (0 disables)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		if err := readConfigFile(*configPath, cfg); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			cfg.Bind = *bind
		case "port":
			cfg.Port = *port
		case "replicaof":
			cfg.ReplicaOf = *replicaOf
		case "strict":
			cfg.StrictCommands = *strict
		case "ack-interval":
			cfg.AckInterval = *ackInterval
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", redisnode.ErrInvalidConfig, c.Port)
	}
	if c.ReplicaOf != "" {
		if _, _, err := parseReplicaOf(c.ReplicaOf); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// parseReplicaOf splits "host port". "host:port" is accepted as well.
func parseReplicaOf(s string) (string, int, error) {
	parts := strings.Fields(s)
	var host, portStr string
	switch len(parts) {
	case 2:
		host, portStr = parts[0], parts[1]
	case 1:
		var err error
		host, portStr, err = net.SplitHostPort(parts[0])
		if err != nil {
			return "", 0, fmt.Errorf("%w: replicaof %q: %v", redisnode.ErrInvalidConfig, s, err)
		}
	default:
		return "", 0, fmt.Errorf("%w: replicaof %q, expected \"host port\"", redisnode.ErrInvalidConfig, s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: replicaof port %q", redisnode.ErrInvalidConfig, portStr)
	}
	return host, port, nil
}

// Options converts the configuration to node options
func (c *Config) Options() []redisnode.Option {
	opts := []redisnode.Option{
		redisnode.WithAddr(c.Addr()),
		redisnode.WithStrictCommands(c.StrictCommands),
		redisnode.WithAckInterval(c.AckInterval),
		redisnode.WithWaitPollInterval(c.WaitPollInterval),
		redisnode.WithConnectTimeout(c.ConnectTimeout),
		redisnode.WithSyncTimeout(c.SyncTimeout),
		redisnode.WithReconnectDelay(c.ReconnectDelay),
	}

	if c.ReplicaOf != "" {
		host, port, _ := parseReplicaOf(c.ReplicaOf)
		opts = append(opts, redisnode.WithReplicaOf(host, port))
	}
	return opts
}
