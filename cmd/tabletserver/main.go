package main

import (
	"context"
	"flag"
	"fmt"
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

	"github.com/nexusdb/tabletwal/consensus"
	"github.com/nexusdb/tabletwal/hooks"
	"github.com/nexusdb/tabletwal/hooks/listeners"
	"github.com/nexusdb/tabletwal/metrics"
	"github.com/nexusdb/tabletwal/server"
	"github.com/nexusdb/tabletwal/sys"
	"github.com/nexusdb/tabletwal/wal"
	"github.com/nexusdb/tabletwal/walconf"
)

// createLogger builds a JSON-to-stdout slog.Logger at the requested level,
// mirroring cmd/server's createLogger without the file-output branch: a
// tablet server's stdout is expected to be captured by the process
// supervisor, not redirected to a path this binary manages itself.
func createLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

// initTracerProvider sets up the OpenTelemetry exporter named by cfg,
// installing it as the global TracerProvider so the no-op tracers that
// wal.Log and consensus.Driver acquire via otel.Tracer(...) at construction
// time start exporting real spans.
func initTracerProvider(cfg walconf.TracingConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		logger.Info("distributed tracing disabled")
		return func() {}, nil
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
		return nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("tabletwal")))
	if err != nil {
		return nil, fmt.Errorf("creating trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer provider shutdown failed", "error", err)
		}
	}, nil
}

// registerListeners wires the ambient WAL/consensus observers onto
// hookMgr. None of these are required for correctness; they exist purely
// to surface operational signal (GC reclaim rate, LMP mismatches,
// suspiciously sized payloads) the way hooks/listeners' teacher-derived
// counterparts surface engine-level signal.
func registerListeners(hookMgr hooks.HookManager, logger *slog.Logger) {
	hookMgr.Register(hooks.EventPostGC, listeners.NewGCReclaimListener(logger))
	hookMgr.Register(hooks.EventOnLMPMismatch, listeners.NewLMPMismatchAlerterListener(logger))
	hookMgr.Register(hooks.EventPreAppend, listeners.NewPayloadSizeOutlierListener(logger, listeners.SizeThresholds{Min: 1, Max: 8 << 20}))
}

func main() {
	configPath := flag.String("config", "tabletserver.yaml", "path to the tablet server config file")
	dataDir := flag.String("data-dir", "", "wal directory for this tablet")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger, err := createLogger(*logLevel)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}

	cfg, err := walconf.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if *dataDir == "" {
		logger.Error("-data-dir must be specified")
		os.Exit(1)
	}

	tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}

	hookMgr := hooks.NewHookManager(logger)
	registerListeners(hookMgr, logger)

	walSink := metrics.NewExpvarSink("wal")
	consensusSink := metrics.NewExpvarSink("consensus")

	log, err := wal.Open(sys.NewRealFsEnv(), *dataDir, cfg.WAL, hookMgr, walSink, logger, nil)
	if err != nil {
		logger.Error("failed to open wal", "dir", *dataDir, "error", err)
		os.Exit(1)
	}

	driver, err := consensus.NewDriver(log, cfg.Consensus, hookMgr, consensusSink, logger)
	if err != nil {
		logger.Error("failed to construct consensus driver", "error", err)
		_ = log.Close()
		os.Exit(1)
	}

	debugSrv := server.NewDebugServer(cfg.Debug, logger)
	go func() {
		if err := debugSrv.Start(); err != nil {
			logger.Error("debug server exited", "error", err)
		}
	}()

	grpcSrv := server.NewConsensusGRPCServer(driver, logger)
	lis, err := net.Listen("tcp", cfg.GRPC.ListenAddress)
	if err != nil {
		logger.Error("failed to listen for grpc", "address", cfg.GRPC.ListenAddress, "error", err)
		_ = log.Close()
		os.Exit(1)
	}

	grpcErrCh := make(chan error, 1)
	go func() { grpcErrCh <- grpcSrv.Start(lis) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	logger.Info("tabletserver running", "data_dir", *dataDir, "grpc_address", cfg.GRPC.ListenAddress)

	select {
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("grpc server exited with an error", "error", err)
		}
	case <-quit:
		logger.Info("shutdown signal received, stopping")
		grpcSrv.Stop()
		<-grpcErrCh
	}

	debugSrv.Stop()
	hookMgr.Stop()
	if err := log.Close(); err != nil {
		logger.Error("error closing wal", "error", err)
	}
	tracerCleanup()
	logger.Info("tabletserver exited gracefully")
}
