package redisnode

import (
	"time"
)

// loggerAdapter turns the node's Field-based Logger into the key/value
// Logger that replication.Manager, replication.Client and server.Server
// accept. Odd trailing keys are dropped.
type loggerAdapter struct {
	logger Logger
}

func (la *loggerAdapter) Debug(msg string, fields ...interface{}) {
	la.logger.Debug(msg, convertFields(fields...)...)
}

func (la *loggerAdapter) Info(msg string, fields ...interface{}) {
	la.logger.Info(msg, convertFields(fields...)...)
}

func (la *loggerAdapter) Error(msg string, fields ...interface{}) {
	la.logger.Error(msg, convertFields(fields...)...)
}

func convertFields(fields ...interface{}) []Field {
	result := make([]Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		if key, ok := fields[i].(string); ok {
			result = append(result, Field{
				Key:   key,
				Value: fields[i+1],
			})
		}
	}
	return result
}

// metricsAdapter hands the node's MetricsCollector to the replication
// manager, the replication client and the server, which each take a
// replication.MetricsCollector
type metricsAdapter struct {
	metrics MetricsCollector
}

func (ma *metricsAdapter) RecordSyncDuration(duration time.Duration) {
	ma.metrics.RecordSyncDuration(duration)
}

func (ma *metricsAdapter) RecordCommandProcessed(cmd string, duration time.Duration) {
	ma.metrics.RecordCommandProcessed(cmd, duration)
}

func (ma *metricsAdapter) RecordPropagation(bytes int, offset int64) {
	ma.metrics.RecordPropagation(bytes, offset)
}

func (ma *metricsAdapter) RecordReplicaCount(count int) {
	ma.metrics.RecordReplicaCount(count)
}

func (ma *metricsAdapter) RecordWait(acked int, duration time.Duration) {
	ma.metrics.RecordWait(acked, duration)
}

func (ma *metricsAdapter) RecordReconnection() {
	ma.metrics.RecordReconnection()
}

func (ma *metricsAdapter) RecordError(errorType string) {
	ma.metrics.RecordError(errorType)
}
