// Package main is the entry point for kandev-core: the Session/Swarm/
// Pipeline orchestration engines wired against a Docker SandboxProvider
// and SQLite StorageClient, with NDJSON session logging and optional
// OpenTelemetry tracing. Grounded on the teacher's unified cmd/kandev
// entry point (construct shared infrastructure once, assemble it into a
// typed bundle, wait for a shutdown signal) — here scaled down to the
// three engines this module builds rather than the teacher's full set of
// HTTP/WebSocket-fronted services.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/config"
	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/observability"
	"github.com/kandev/kandev-core/internal/parser"
	"github.com/kandev/kandev-core/internal/registry"
	"github.com/kandev/kandev-core/internal/sandbox"
	"github.com/kandev/kandev-core/internal/sandbox/dockersandbox"
	"github.com/kandev/kandev-core/internal/storage"
	"github.com/kandev/kandev-core/internal/storage/sqlitestore"
	"github.com/kandev/kandev-core/internal/stream"
	"github.com/kandev/kandev-core/internal/swarm"
	"github.com/kandev/kandev-core/internal/tracing"
)

// Engines bundles the shared infrastructure every Session this process
// creates is built from: the agent registry, sandbox provider, checkpoint
// store, parser set, stream hub, observability root, and the
// process-wide Swarm (which owns the single concurrency-gating
// semaphore, spec.md §4.2.2).
type Engines struct {
	Registry *registry.Registry
	Provider sandbox.Provider
	Store    storage.Client
	Parsers  *parser.Set
	Hub      *stream.Hub
	Swarm    *swarm.Swarm
	ObsRoot  string
	ObsPub   observability.Publisher

	logger *logging.Logger
}

// Close tears down everything Engines owns that needs explicit cleanup.
func (e *Engines) Close() {
	if closer, ok := e.Provider.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			e.logger.Warn("sandbox provider close failed", zap.Error(err))
		}
	}
	if closer, ok := e.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			e.logger.Warn("storage client close failed", zap.Error(err))
		}
	}
	if closer, ok := e.ObsPub.(interface{ Close() }); ok {
		closer.Close()
	}
}

func buildEngines(cfg *config.Config, log *logging.Logger) (*Engines, error) {
	reg, err := registry.NewWithDefaults(log)
	if err != nil {
		return nil, fmt.Errorf("load agent registry: %w", err)
	}

	provider, err := dockersandbox.New(cfg.Docker, log)
	if err != nil {
		return nil, fmt.Errorf("create docker sandbox provider: %w", err)
	}

	store, err := sqlitestore.Open(cfg.Storage.SQLitePath, cfg.Storage.BlobRoot)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	var pub observability.Publisher
	if cfg.Observability.NATSURL != "" {
		natsPub, err := observability.NewNATSPublisher(cfg.Observability.NATSURL, cfg.Observability.NATSSubject, log)
		if err != nil {
			log.Warn("nats publisher unavailable, continuing without remote sync", zap.Error(err))
		} else {
			pub = natsPub
		}
	}

	return &Engines{
		Registry: reg,
		Provider: provider,
		Store:    store,
		Parsers:  parser.NewSet(),
		Hub:      stream.NewHub(log),
		Swarm:    swarm.New(clampConcurrency(cfg.Concurrency.Default, cfg.Concurrency.Max), log),
		ObsRoot:  cfg.Observability.Root,
		ObsPub:   pub,
		logger:   log,
	}, nil
}

func main() {
	cfg, err := config.Load(os.Getenv("KANDEV_CORE_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting kandev-core",
		zap.Int("concurrency_default", cfg.Concurrency.Default),
		zap.Int("concurrency_max", cfg.Concurrency.Max),
	)

	if cfg.Tracing.Enabled {
		tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
	}

	engines, err := buildEngines(cfg, log)
	if err != nil {
		log.Error("failed to build engines", zap.Error(err))
		os.Exit(1)
	}
	defer engines.Close()

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go engines.Hub.Run(hubCtx)

	log.Info("kandev-core ready",
		zap.Int("registered_agents", len(engines.Registry.List())),
		zap.Int("swarm_capacity", engines.Swarm.Capacity()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down kandev-core")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("kandev-core stopped")
}

func clampConcurrency(def, max int) int {
	if max > 0 && def > max {
		return max
	}
	if def <= 0 {
		return 1
	}
	return def
}
