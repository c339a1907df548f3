package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l3kv/l3kv/admin"
	"github.com/l3kv/l3kv/config"
	"github.com/l3kv/l3kv/engine"
	"github.com/l3kv/l3kv/hooks"
	"github.com/l3kv/l3kv/hooks/listeners"
	"github.com/l3kv/l3kv/mesh"
	"github.com/l3kv/l3kv/ring"
	"github.com/l3kv/l3kv/syncmgr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger builds the root slog.Logger from configuration: a JSON
// handler over stdout, a file, or io.Discard, at the configured level.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider builds an OpenTelemetry TracerProvider exporting
// spans over OTLP grpc or http, or a no-op provider when tracing is
// disabled.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("distributed tracing is disabled")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("initializing distributed tracing", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("l3kv")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("shutting down tracer provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

// buildRing constructs the consistent-hash ring from configuration, or
// returns nil when ring mode is disabled (every node owns every key).
func buildRing(cfg config.RingConfig, self uint32) *ring.Ring {
	if !cfg.Enabled || len(cfg.Nodes) == 0 {
		return nil
	}
	ids := make([]uint32, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		ids[i] = n.NodeID
	}
	return ring.New(ids, self, cfg.VNodesPerNode)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Engine.DataDir == "" {
		logger.Error("engine.data_dir must be specified in the configuration file")
		os.Exit(1)
	}
	logger.Info("using data directory", "path", cfg.Engine.DataDir, "node_id", cfg.Engine.NodeID)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	tracer := tp.Tracer("github.com/l3kv/l3kv/engine")

	hookManager := hooks.NewHookManager(logger)
	divergenceAlerter := listeners.NewDivergenceAlerterListener(logger, 0)
	hookManager.Register(hooks.EventPostSyncRound, divergenceAlerter)
	logger.Info("registered divergence alerter for PostSyncRound events")

	r := buildRing(cfg.Ring, cfg.Engine.NodeID)
	if r != nil {
		logger.Info("consistent-hash ring enabled", "nodes", len(cfg.Ring.Nodes), "vnodes_per_node", cfg.Ring.VNodesPerNode)
	}

	walFlushInterval := config.ParseDuration(cfg.Engine.WAL.FlushInterval, 1*time.Second, logger)
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithTracer(tracer),
		engine.WithHooks(hookManager),
		engine.WithWALFlushInterval(walFlushInterval),
	}
	if cfg.Engine.WAL.MaxSegmentSizeBytes > 0 {
		opts = append(opts, engine.WithWALMaxSegmentSize(cfg.Engine.WAL.MaxSegmentSizeBytes))
	}
	if r != nil {
		opts = append(opts, engine.WithRing(r))
	}
	eng, err := engine.Open(cfg.Engine.DataDir, cfg.Engine.NodeID, opts...)
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}

	var syncManager *syncmgr.Manager
	var meshInstance *mesh.Mesh
	if cfg.Sync.Enabled && cfg.Mesh.ListenAddr != "" {
		meshInstance = mesh.New(cfg.Engine.NodeID, func(from uint32, lane mesh.Lane, payload []byte) {
			syncManager.HandleMessage(from, lane, payload)
		}, logger)
		if err := meshInstance.Listen(cfg.Mesh.ListenAddr); err != nil {
			logger.Error("failed to start mesh listener", "error", err)
			eng.Close()
			os.Exit(1)
		}
		for _, peer := range cfg.Mesh.Peers {
			if err := meshInstance.AddPeer(peer.NodeID, peer.Addr); err != nil {
				logger.Warn("failed to dial mesh peer, will not gossip with it", "peer", peer.NodeID, "addr", peer.Addr, "error", err)
			}
		}
		syncTracer := tp.Tracer("github.com/l3kv/l3kv/syncmgr")
		syncTickInterval := config.ParseDuration(cfg.Sync.TickInterval, 2*time.Second, logger)
		syncTickJitter := config.ParseDuration(cfg.Sync.TickJitter, 250*time.Millisecond, logger)
		syncManager = syncmgr.New(eng, meshInstance, hookManager, logger,
			syncmgr.WithTracer(syncTracer),
			syncmgr.WithTickInterval(syncTickInterval),
			syncmgr.WithTickJitter(syncTickJitter),
		)
		syncManager.Start()
		logger.Info("sync manager started", "listen_addr", cfg.Mesh.ListenAddr, "peers", len(cfg.Mesh.Peers))
	} else {
		logger.Info("sync manager disabled")
	}

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		var gossiper admin.Gossiper
		if syncManager != nil {
			gossiper = syncManager
		}
		adminServer = admin.New(eng, gossiper, logger)
		if err := adminServer.Listen(cfg.Admin.ListenAddr); err != nil {
			logger.Error("failed to start admin listener", "error", err)
		} else {
			logger.Info("admin listener started", "listen_addr", cfg.Admin.ListenAddr)
		}
	}

	logger.Info("l3kv node running", "node_id", cfg.Engine.NodeID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received, stopping node")
	if syncManager != nil {
		syncManager.Stop()
	}
	if meshInstance != nil {
		meshInstance.Close()
	}
	if adminServer != nil {
		adminServer.Close()
	}
	if err := eng.Close(); err != nil {
		logger.Error("error closing engine", "error", err)
	}
	tracerCleanup()

	logger.Info("l3kv node exited gracefully")
}
