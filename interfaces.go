package redisnode

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection
type MetricsCollector interface {
	// RecordSyncDuration records the time taken for a full resynchronization
	RecordSyncDuration(duration time.Duration)

	// RecordCommandProcessed records a processed command with its duration
	RecordCommandProcessed(cmd string, duration time.Duration)

	// RecordPropagation records a command sent down the replication
	// stream and the offset it brought the master to
	RecordPropagation(bytes int, offset int64)

	// RecordReplicaCount records the number of registered replica links
	RecordReplicaCount(count int)

	// RecordWait records a finished WAIT and how many replicas it counted
	RecordWait(acked int, duration time.Duration)

	// RecordReconnection records a reconnection event
	RecordReconnection()

	// RecordError records an error event
	RecordError(errorType string)
}

// zerologLogger is the default Logger, backed by zerolog
type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps a zerolog logger as a Logger
func NewZerologLogger(logger zerolog.Logger) Logger {
	return &zerologLogger{logger: logger}
}

func defaultLogger() Logger {
	return NewZerologLogger(zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger())
}

func (l *zerologLogger) Debug(msg string, fields ...Field) {
	logWithFields(l.logger.Debug(), msg, fields)
}

func (l *zerologLogger) Info(msg string, fields ...Field) {
	logWithFields(l.logger.Info(), msg, fields)
}

func (l *zerologLogger) Error(msg string, fields ...Field) {
	logWithFields(l.logger.Error(), msg, fields)
}

func logWithFields(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, field := range fields {
		switch val := field.Value.(type) {
		case error:
			e = e.AnErr(field.Key, val)
		case string:
			e = e.Str(field.Key, val)
		case time.Duration:
			e = e.Dur(field.Key, val)
		default:
			e = e.Interface(field.Key, val)
		}
	}
	e.Msg(msg)
}
