package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// SessionState is the lifecycle state of a Session
type SessionState int32

const (
	StateOpen SessionState = iota
	StateServing
	StateClosed
)

// String returns the state name
func (st SessionState) String() string {
	switch st {
	case StateOpen:
		return "open"
	case StateServing:
		return "serving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// knownCommands bounds the command label of the metrics
var knownCommands = map[string]bool{
	"PING": true, "ECHO": true, "SET": true, "GET": true, "INFO": true,
	"REPLCONF": true, "PSYNC": true, "WAIT": true, "CONFIG": true,
}

// errHandedOff stops the dispatch loop once PSYNC gave the socket to the
// replication manager
var errHandedOff = errors.New("connection handed off to replication")

// Session owns one connection and dispatches the commands read from it
type Session struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// link is true for the connection to our own master: writes are
	// applied silently and only GETACK is answered
	link    bool
	applied atomic.Int64
	writeMu sync.Mutex

	listeningPort string
	state         atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// State returns the session state
func (c *Session) State() SessionState {
	return SessionState(c.state.Load())
}

// Close closes the session connection
func (c *Session) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		c.conn.Close()
		c.server.sessions.Delete(c.conn)
	})
}

// serve runs the dispatch loop until the connection fails or closes
func (c *Session) serve() error {
	defer c.Close()
	c.state.Store(int32(StateServing))

	if c.link && c.server.ackInterval > 0 {
		go c.ackLoop(c.server.ackInterval)
	}

	for {
		offset := c.reader.Offset()
		args, err := c.reader.ReadCommand()
		if err != nil {
			return c.readError(err)
		}
		if len(args) == 0 {
			continue
		}

		start := time.Now()
		verb := strings.ToUpper(args[0])
		err = c.dispatch(verb, args, offset)
		c.server.commandCount.Add(1)

		if c.link {
			c.applied.Store(c.reader.Offset())
		}

		switch {
		case errors.Is(err, errHandedOff):
			return nil
		case errors.Is(err, ErrInvalidCommand):
			c.server.errorCount.Add(1)
			c.server.metrics.RecordError("invalid_command")
			c.server.logger.Error("Closing connection", "remote", c.remoteAddr(), "error", err)
			return err
		case err != nil:
			c.server.errorCount.Add(1)
			c.server.metrics.RecordError("transport")
			return err
		}

		if !knownCommands[verb] {
			verb = "UNKNOWN"
		}
		c.server.metrics.RecordCommandProcessed(verb, time.Since(start))
	}
}

func (c *Session) readError(err error) error {
	if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
		return nil
	}

	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		c.server.errorCount.Add(1)
		c.server.metrics.RecordError("protocol")
		c.server.logger.Error("Protocol error", "remote", c.remoteAddr(), "error", err)
	}
	return err
}

// dispatch executes one command. offset is the stream position before
// the command was decoded.
func (c *Session) dispatch(verb string, args []string, offset int64) error {
	switch verb {
	case "PING":
		return c.handlePing(args)
	case "ECHO":
		return c.handleEcho(args)
	case "SET":
		return c.handleSet(args)
	case "GET":
		return c.handleGet(args)
	case "INFO":
		return c.reply(func(w *protocol.Writer) error {
			return w.WriteMap(c.server.replicationInfo())
		})
	case "REPLCONF":
		return c.handleReplconf(args, offset)
	case "PSYNC":
		return c.handlePsync(args)
	case "WAIT":
		return c.handleWait(args)
	case "CONFIG":
		return nil
	default:
		if c.server.strict && !c.link {
			return c.reply(func(w *protocol.Writer) error {
				return w.WriteError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
			})
		}
		c.server.logger.Debug("Ignoring unknown command", "command", args[0])
		return nil
	}
}

// reply writes and flushes a response unless this is the master link
func (c *Session) reply(write func(w *protocol.Writer) error) error {
	if c.link {
		return nil
	}
	if err := write(c.writer); err != nil {
		return err
	}
	return c.writer.Flush()
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

func (c *Session) handlePing(args []string) error {
	if len(args) > 2 {
		return invalid("wrong number of arguments for 'ping' command")
	}
	return c.reply(func(w *protocol.Writer) error {
		if len(args) == 2 {
			return w.WriteBulkStringFromString(args[1])
		}
		return w.WritePONG()
	})
}

func (c *Session) handleEcho(args []string) error {
	if len(args) != 2 {
		return invalid("wrong number of arguments for 'echo' command")
	}
	return c.reply(func(w *protocol.Writer) error {
		return w.WriteBulkStringFromString(args[1])
	})
}

// parseSetTTL parses the options after SET key value. Only PX and EX
// are accepted.
func parseSetTTL(opts []string) (time.Duration, error) {
	var ttl time.Duration
	for i := 0; i < len(opts); i++ {
		unit := time.Duration(0)
		switch strings.ToUpper(opts[i]) {
		case "PX":
			unit = time.Millisecond
		case "EX":
			unit = time.Second
		default:
			return 0, invalid("unsupported SET option %q", opts[i])
		}
		if ttl != 0 || i+1 >= len(opts) {
			return 0, invalid("syntax error in SET options")
		}
		n, err := strconv.ParseInt(opts[i+1], 10, 64)
		if err != nil || n <= 0 {
			return 0, invalid("invalid expire time in 'set' command: %q", opts[i+1])
		}
		ttl = time.Duration(n) * unit
		i++
	}
	return ttl, nil
}

func (c *Session) handleSet(args []string) error {
	if len(args) < 3 {
		return invalid("wrong number of arguments for 'set' command")
	}

	ttl, err := parseSetTTL(args[3:])
	if err != nil {
		return err
	}

	key, value := args[1], []byte(args[2])
	apply := func() {
		if ttl > 0 {
			c.server.storage.SetWithTTL(key, value, ttl)
		} else {
			c.server.storage.Set(key, value)
		}
	}

	// Replicas apply writes locally and stay silent
	if c.link || !c.server.IsMaster() {
		apply()
		return nil
	}

	c.server.repl.Propagate(args, apply)
	return c.reply(func(w *protocol.Writer) error {
		return w.WriteOK()
	})
}

func (c *Session) handleGet(args []string) error {
	if len(args) != 2 {
		return invalid("wrong number of arguments for 'get' command")
	}

	value, exists := c.server.storage.Get(args[1])
	return c.reply(func(w *protocol.Writer) error {
		if !exists {
			return w.WriteNullBulkString()
		}
		return w.WriteBulkString(value)
	})
}

func (c *Session) handleReplconf(args []string, offset int64) error {
	if len(args) < 2 {
		return invalid("wrong number of arguments for 'replconf' command")
	}

	switch strings.ToUpper(args[1]) {
	case "GETACK":
		if !c.link {
			return nil
		}
		return c.sendAck(offset)
	case "ACK":
		// Acks arrive on links served by the replication manager
		return nil
	case "LISTENING-PORT":
		if len(args) < 3 {
			return invalid("REPLCONF listening-port requires a port")
		}
		c.listeningPort = args[2]
	}

	return c.reply(func(w *protocol.Writer) error {
		return w.WriteOK()
	})
}

// sendAck writes REPLCONF ACK <offset> to the master
func (c *Session) sendAck(offset int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writer.WriteCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)); err != nil {
		return err
	}
	return c.writer.Flush()
}

// ackLoop reports the processed offset to the master every interval
func (c *Session) ackLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendAck(c.applied.Load()); err != nil {
				c.server.logger.Debug("Periodic ACK failed", "error", err)
				return
			}
		}
	}
}

func (c *Session) handlePsync(args []string) error {
	if len(args) != 3 {
		return invalid("wrong number of arguments for 'psync' command")
	}
	if c.link || !c.server.IsMaster() {
		return c.reply(func(w *protocol.Writer) error {
			return w.WriteError("ERR PSYNC is only served by masters")
		})
	}

	host, _, err := net.SplitHostPort(c.remoteAddr())
	if err != nil {
		host = c.remoteAddr()
	}
	port := c.listeningPort
	if port == "" {
		port = "0"
	}

	repl := c.server.repl
	link, offset, snapshot := repl.Register(net.JoinHostPort(host, port))

	err = c.writer.WriteSimpleString(fmt.Sprintf("FULLRESYNC %s %d", repl.ReplID(), offset))
	if err == nil {
		err = c.writer.WriteSnapshot(snapshot)
	}
	if err == nil {
		err = c.writer.Flush()
	}
	if err != nil {
		repl.Unregister(link)
		return err
	}

	if err := repl.Serve(c.ctx, link, c.conn, c.reader, c.writer); err != nil {
		c.server.logger.Error("Replica link closed", "replica", link.Addr(), "error", err)
	}
	return errHandedOff
}

func (c *Session) handleWait(args []string) error {
	if len(args) != 3 {
		return invalid("wrong number of arguments for 'wait' command")
	}

	numReplicas, err := strconv.Atoi(args[1])
	if err != nil || numReplicas < 0 {
		return invalid("invalid numreplicas %q", args[1])
	}
	timeoutMs, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || timeoutMs < 0 {
		return invalid("invalid timeout %q", args[2])
	}

	if !c.server.IsMaster() {
		return c.reply(func(w *protocol.Writer) error {
			return w.WriteError("ERR WAIT cannot be used with replica instances")
		})
	}

	n := c.server.repl.Wait(c.ctx, numReplicas, time.Duration(timeoutMs)*time.Millisecond)
	return c.reply(func(w *protocol.Writer) error {
		return w.WriteInteger(int64(n))
	})
}

func (c *Session) remoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
