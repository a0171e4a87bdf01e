package redisnode

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

var (
	_ replication.Logger           = (*loggerAdapter)(nil)
	_ replication.MetricsCollector = (*metricsAdapter)(nil)
)

func TestMetricsAdapterForwards(t *testing.T) {
	rec := &recordingMetrics{}
	var m replication.MetricsCollector = &metricsAdapter{metrics: rec}

	m.RecordPropagation(31, 31)
	m.RecordReplicaCount(2)
	m.RecordWait(2, time.Millisecond)
	m.RecordError("protocol")

	if rec.bytes != 31 || rec.offset != 31 || rec.replicas != 2 || rec.acked != 2 || rec.lastError != "protocol" {
		t.Errorf("calls not forwarded: %+v", rec)
	}
}

type recordingMetrics struct {
	bytes     int
	offset    int64
	replicas  int
	acked     int
	lastError string
}

func (m *recordingMetrics) RecordSyncDuration(time.Duration)             {}
func (m *recordingMetrics) RecordCommandProcessed(string, time.Duration) {}
func (m *recordingMetrics) RecordPropagation(bytes int, offset int64) {
	m.bytes, m.offset = bytes, offset
}
func (m *recordingMetrics) RecordReplicaCount(count int)          { m.replicas = count }
func (m *recordingMetrics) RecordWait(acked int, _ time.Duration) { m.acked = acked }
func (m *recordingMetrics) RecordReconnection()                   {}
func (m *recordingMetrics) RecordError(errorType string)          { m.lastError = errorType }

func TestZerologLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf))

	logger.Info("Replica registered",
		Field{Key: "addr", Value: "127.0.0.1:6380"},
		Field{Key: "offset", Value: int64(31)},
		Field{Key: "error", Value: errors.New("boom")},
		Field{Key: "duration", Value: 2 * time.Second},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Invalid JSON log line %q: %v", buf.String(), err)
	}

	want := map[string]interface{}{
		"level":   "info",
		"message": "Replica registered",
		"addr":    "127.0.0.1:6380",
		"offset":  float64(31),
		"error":   "boom",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, entry[k])
		}
	}
	if _, ok := entry["duration"]; !ok {
		t.Error("Expected duration field")
	}
}

func TestZerologLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug to be filtered, got %q", buf.String())
	}

	logger.Error("shown")
	if !bytes.Contains(buf.Bytes(), []byte(`"level":"error"`)) {
		t.Errorf("Expected error entry, got %q", buf.String())
	}
}

func TestLoggerAdapter(t *testing.T) {
	rec := &recordingLogger{}
	adapter := &loggerAdapter{logger: rec}

	adapter.Info("Replica registered", "id", 1, "addr", "127.0.0.1:6380", "dangling")

	if len(rec.fields) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(rec.fields))
	}
	if rec.fields[0].Key != "id" || rec.fields[0].Value != 1 {
		t.Errorf("Unexpected first field %+v", rec.fields[0])
	}
	if rec.fields[1].Key != "addr" || rec.fields[1].Value != "127.0.0.1:6380" {
		t.Errorf("Unexpected second field %+v", rec.fields[1])
	}
}

type recordingLogger struct {
	fields []Field
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.fields = fields }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.fields = fields }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.fields = fields }
