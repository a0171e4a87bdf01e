// Command redis-node runs an in-memory Redis-compatible node, as a
// master or as a replica of another node.
//
// Usage:
//
//	redis-node --port 6379
//	redis-node --port 6380 --replicaof "localhost 6379"
//	redis-node --config node.yaml --metrics-addr :9121
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
	"github.com/raniellyferreira/redis-inmemory-node/metrics"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("Invalid log level")
	}
	log = log.Level(level)

	opts := append(cfg.Options(), redisnode.WithLogger(redisnode.NewZerologLogger(log)))

	var collector *metrics.PrometheusCollector
	if cfg.MetricsAddr != "" {
		collector = metrics.NewPrometheusCollector()
		opts = append(opts, redisnode.WithMetrics(collector))
	}

	node, err := redisnode.New(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start node")
	}

	var metricsServer *http.Server
	if collector != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if err := node.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing node")
	}
}
