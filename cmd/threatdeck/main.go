// Package main implements the entry point for the ThreatDeck backend.
// ThreatDeck simulates a fleet of security entities, streams their
// property changes to dashboard clients over WebSocket, and serves
// aggregated metrics and change history over a REST API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/threatdeck/changelog"
	"github.com/c360/threatdeck/config"
	"github.com/c360/threatdeck/entity"
	httpgw "github.com/c360/threatdeck/gateway/http"
	"github.com/c360/threatdeck/gateway/ws"
	"github.com/c360/threatdeck/generator"
	"github.com/c360/threatdeck/metric"
	"github.com/c360/threatdeck/pkg/cache"
	"github.com/c360/threatdeck/pkg/timestamp"
	"github.com/c360/threatdeck/registry"
	"github.com/c360/threatdeck/rollup"
	"github.com/c360/threatdeck/types"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "threatdeck"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	store, nc, err := setupChangelog(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}

	gen := generator.New(cfg.Simulation)

	if cliCfg.Seed {
		return seedChangelog(ctx, store, gen, cliCfg.SeedCount)
	}

	manager, err := setupManager(ctx, cfg, store, gen, logger, metrics)
	if err != nil {
		return err
	}

	server, wsEndpoint, err := setupGateway(cfg, manager, store, logger, metrics, metricsRegistry)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, manager, server, wsEndpoint, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting ThreatDeck (security dashboard backend)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupChangelog builds the configured change log backend. The returned
// connection is nil in memory mode.
func setupChangelog(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (changelog.Store, *nats.Conn, error) {
	switch cfg.Changelog.Mode {
	case config.StorageModeMemory:
		slog.Info("Using in-memory change log")
		return changelog.NewMemoryStore(
			changelog.WithMemoryLogger(logger),
			changelog.WithMemoryMetrics(metrics),
		), nil, nil

	case config.StorageModeKV:
		nc, js, err := connectToNATS(cfg.NATS, metrics)
		if err != nil {
			return nil, nil, err
		}

		store, err := changelog.NewKVStore(ctx, js, cfg.Changelog,
			changelog.WithKVLogger(logger),
			changelog.WithKVMetrics(metrics),
		)
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("create KV change log: %w", err)
		}
		slog.Info("Using NATS KV change log", "bucket", cfg.Changelog.Bucket)
		return store, nc, nil

	default:
		return nil, nil, fmt.Errorf("unknown changelog mode: %s", cfg.Changelog.Mode)
	}
}

// connectToNATS establishes the NATS connection for KV mode
func connectToNATS(cfg config.NATSConfig, metrics *metric.Metrics) (*nats.Conn, jetstream.JetStream, error) {
	slog.Info("Connecting to NATS", "urls", cfg.URLs)

	opts := []nats.Option{
		nats.Name(appName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.RecordNATSStatus(false)
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.RecordNATSStatus(true)
			metrics.RecordNATSReconnect()
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	metrics.RecordNATSStatus(true)

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return nc, js, nil
}

// setupManager wires the entity store, generator and broadcast registry
// into an initialized entity manager.
func setupManager(
	ctx context.Context,
	cfg *config.Config,
	store changelog.Store,
	gen *generator.Generator,
	logger *slog.Logger,
	metrics *metric.Metrics,
) (*entity.Manager, error) {
	entityCache, err := newEntityCache(ctx, cfg.Simulation)
	if err != nil {
		return nil, fmt.Errorf("create entity cache: %w", err)
	}

	entityStore, err := entity.NewCacheStore(entityCache)
	if err != nil {
		return nil, fmt.Errorf("create entity store: %w", err)
	}

	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	)

	manager, err := entity.NewManager(entityStore, gen, reg, store,
		entity.WithLogger(logger),
		entity.WithMetrics(metrics),
		entity.WithHistoryLimit(cfg.Simulation.HistoryLimit),
		entity.WithTickInterval(cfg.Simulation.TickInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("create entity manager: %w", err)
	}

	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize entity manager: %w", err)
	}
	slog.Info("Entity manager initialized", "entities", len(manager.ListEntities()))

	return manager, nil
}

func newEntityCache(ctx context.Context, cfg config.SimulationConfig) (cache.Cache[*types.Entity], error) {
	if cfg.EntityTTL > 0 {
		return cache.NewTTL[*types.Entity](ctx, cfg.EntityTTL)
	}
	return cache.NewSimple[*types.Entity]()
}

// setupGateway builds the WebSocket endpoint and the REST API server
func setupGateway(
	cfg *config.Config,
	manager *entity.Manager,
	store changelog.Store,
	logger *slog.Logger,
	metrics *metric.Metrics,
	metricsRegistry *metric.MetricsRegistry,
) (*httpgw.Server, *ws.Endpoint, error) {
	agg, err := rollup.New(
		rollup.WithLogger(logger),
		rollup.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create aggregator: %w", err)
	}

	wsEndpoint := ws.NewEndpoint(manager, manager.Registry(),
		ws.WithLogger(logger),
		ws.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)

	server, err := httpgw.NewServer(cfg.Server, manager, store, agg,
		httpgw.WithLogger(logger),
		httpgw.WithMetrics(metrics),
		httpgw.WithPrometheusHandler(metricsRegistry.Handler()),
		httpgw.WithWebSocket(wsEndpoint),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create API server: %w", err)
	}

	return server, wsEndpoint, nil
}

// seedChangelog writes one fact per allowed property for a demo fleet,
// then exits. Used to pre-populate a KV bucket before first start.
func seedChangelog(ctx context.Context, store changelog.Store, gen *generator.Generator, perType int) error {
	now := timestamp.Format(timestamp.Now())
	seeded := 0

	for _, entityType := range types.AllEntityTypes {
		for i := 1; i <= perType; i++ {
			entityID := fmt.Sprintf("%s-%03d",
				strings.ToLower(string(entityType)), i)

			for _, property := range gen.AllowedProperties(entityType) {
				fact := types.EntityChange{
					EntityID:     entityID,
					EntityType:   entityType,
					PropertyName: property,
					Value:        gen.GenerateValue(property, nil, entityType),
					ChangeType:   "seed",
					Timestamp:    now,
				}
				if err := store.Append(ctx, fact); err != nil {
					return fmt.Errorf("seed %s/%s: %w", entityID, property, err)
				}
				seeded++
			}
		}
	}

	slog.Info("Change log seeded", "facts", seeded, "entities_per_type", perType)
	return nil
}

// runWithSignalHandling starts the simulation and API server, then
// blocks until SIGINT/SIGTERM triggers a graceful shutdown.
func runWithSignalHandling(
	ctx context.Context,
	manager *entity.Manager,
	server *httpgw.Server,
	wsEndpoint *ws.Endpoint,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := server.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- manager.Run(signalCtx)
	}()

	slog.Info("ThreatDeck started successfully")

	<-signalCtx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	wsEndpoint.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown incomplete", "error", err)
	}

	if err := <-managerDone; err != nil {
		slog.Warn("Simulation loop exited with error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
