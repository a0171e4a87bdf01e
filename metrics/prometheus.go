// Package metrics provides a Prometheus-backed metrics collector for
// redis-inmemory-node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redis_node"

// PrometheusCollector records node metrics into a Prometheus registry.
// It satisfies the MetricsCollector interfaces of the node, the server
// and the replication packages, and observes key expiry in storage.
type PrometheusCollector struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	cmdDuration *prometheus.HistogramVec
	errors      *prometheus.CounterVec

	propagatedBytes    prometheus.Counter
	propagatedCommands prometheus.Counter
	replOffset         prometheus.Gauge
	replicas           prometheus.Gauge

	waitDuration prometheus.Histogram
	waitAcked    prometheus.Histogram

	syncDuration  prometheus.Histogram
	reconnections prometheus.Counter
	expiredKeys   prometheus.Counter
}

// NewPrometheusCollector creates a collector registered on a fresh
// registry
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWithRegistry(prometheus.NewRegistry())
}

// NewPrometheusCollectorWithRegistry creates a collector registered on reg
func NewPrometheusCollectorWithRegistry(reg *prometheus.Registry) *PrometheusCollector {
	c := &PrometheusCollector{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by verb.",
		}, []string{"command"}),
		cmdDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution latency, by verb.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"command"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by type.",
		}, []string{"type"}),
		propagatedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagated_bytes_total",
			Help:      "Bytes of commands propagated to replicas.",
		}),
		propagatedCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagated_commands_total",
			Help:      "Commands propagated to replicas.",
		}),
		replOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "master_repl_offset",
			Help:      "Current master replication offset.",
		}),
		replicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_replicas",
			Help:      "Replica links currently registered.",
		}),
		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time WAIT spent before returning.",
			Buckets:   prometheus.DefBuckets,
		}),
		waitAcked: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_acked_replicas",
			Help:      "Replicas counted by WAIT.",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full resynchronizations with the master.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnections_total",
			Help:      "Reconnections to the master.",
		}),
		expiredKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_keys_total",
			Help:      "Keys removed because their expiry passed.",
		}),
	}

	reg.MustRegister(
		c.commands, c.cmdDuration, c.errors,
		c.propagatedBytes, c.propagatedCommands, c.replOffset, c.replicas,
		c.waitDuration, c.waitAcked,
		c.syncDuration, c.reconnections, c.expiredKeys,
	)
	return c
}

// Registry returns the registry the collector writes to
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registry
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *PrometheusCollector) RecordSyncDuration(duration time.Duration) {
	c.syncDuration.Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordCommandProcessed(cmd string, duration time.Duration) {
	c.commands.WithLabelValues(cmd).Inc()
	c.cmdDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordPropagation(bytes int, offset int64) {
	c.propagatedCommands.Inc()
	c.propagatedBytes.Add(float64(bytes))
	c.replOffset.Set(float64(offset))
}

func (c *PrometheusCollector) RecordReplicaCount(count int) {
	c.replicas.Set(float64(count))
}

func (c *PrometheusCollector) RecordWait(acked int, duration time.Duration) {
	c.waitAcked.Observe(float64(acked))
	c.waitDuration.Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordReconnection() {
	c.reconnections.Inc()
}

func (c *PrometheusCollector) RecordError(errorType string) {
	c.errors.WithLabelValues(errorType).Inc()
}

// OnKeyExpired counts lazily expired keys
func (c *PrometheusCollector) OnKeyExpired(string) {
	c.expiredKeys.Inc()
}
