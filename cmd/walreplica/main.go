// Command walreplica is the process entry point for a Raft replica's
// durable log: it loads configuration, opens and recovers the Log
// Manager, and serves the Step RPC transport until told to stop.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/nexusraft/waldb/config"
	"github.com/nexusraft/waldb/hooks"
	"github.com/nexusraft/waldb/hooks/listeners"
	"github.com/nexusraft/waldb/internal/debugsrv"
	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
	"github.com/nexusraft/waldb/transport"
	"github.com/nexusraft/waldb/wal"
)

// createLogger builds a slog.Logger from cfg, returning an io.Closer for
// a file output so main can defer its close.
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
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = f
		closer = f
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

// initTracerProvider sets up the OpenTelemetry exporter per cfg, or a
// no-op provider when tracing is disabled.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

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
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("waldb-replica")))
	if err != nil {
		return nil, nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer provider shutdown failed", "error", err)
		}
	}
	return tp, cleanup, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
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

	if cfg.Node.DataDir == "" {
		logger.Error("node.data_dir must be specified in the configuration file")
		os.Exit(1)
	}
	logger.Info("using data directory", "path", cfg.Node.DataDir, "node_id", cfg.Node.ID)

	var debugServer *debugsrv.Server
	if cfg.Debug.Enabled {
		debugServer = debugsrv.New(cfg.Debug, logger)
		go func() {
			if err := debugServer.Start(); err != nil {
				logger.Error("debug server failed", "error", err)
			}
		}()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	_ = tp

	syncInterval := config.ParseDuration(cfg.WAL.SyncInterval, time.Second, logger)

	opts := raftlog.Options{
		LogDir:           cfg.Node.DataDir,
		SegmentSizeBytes: cfg.WAL.SegmentSizeBytes,
		MaxRecordBytes:   cfg.WAL.MaxRecordBytes,
		Logger:           logger,
		BytesWritten:     expvar.NewInt("wal_bytes_written"),
		EntriesWritten:   expvar.NewInt("wal_entries_written"),
		LastTerm:         expvar.NewInt("wal_last_term"),
	}
	opts.SetVerifyChecksum(cfg.WAL.VerifyChecksum)

	hm := hooks.NewHookManager(logger)
	hm.Register(hooks.EventPostWALRotate, listeners.NewRotationAlerterListener(logger, cfg.WAL.SegmentSizeBytes*2))
	hm.Register(hooks.EventPreWALAppend, listeners.NewDiskHeadroomListener(logger, cfg.Node.DataDir, 0))
	logger.Info("registered WAL lifecycle hook listeners")

	manager, _, err := wal.Recover(sys.NewOSFile(), opts, hm)
	if err != nil {
		logger.Error("failed to recover WAL", "error", err)
		os.Exit(1)
	}
	manager.SetHooks(hm)

	var syncStop chan struct{}
	if cfg.WAL.SyncMode == "interval" {
		syncStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(syncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := manager.Sync(); err != nil {
						logger.Error("periodic sync failed", "error", err)
					}
				case <-syncStop:
					return
				}
			}
		}()
	}

	transportServer, err := transport.NewServer(manager, cfg.Transport, logger)
	if err != nil {
		logger.Error("failed to create transport server", "error", err)
		os.Exit(1)
	}

	lis, err := net.Listen("tcp", cfg.Transport.ListenAddress)
	if err != nil {
		logger.Error("failed to bind transport listener", "address", cfg.Transport.ListenAddress, "error", err)
		os.Exit(1)
	}

	serverErrChan := make(chan error, 1)
	go func() { serverErrChan <- transportServer.Start(lis) }()

	logger.Info("replica running", "transport_address", cfg.Transport.ListenAddress)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrChan:
		logger.Error("transport server exited with an error", "error", err)
	case <-quit:
		logger.Info("shutdown signal received, stopping replica")
		transportServer.Stop()
		<-serverErrChan

		if syncStop != nil {
			close(syncStop)
		}
		hm.Stop()

		if err := manager.Close(); err != nil {
			logger.Error("error closing WAL", "error", err)
		}

		tracerCleanup()
		if debugServer != nil {
			debugServer.Stop()
		}
		logger.Info("replica shut down gracefully")
	}
}
