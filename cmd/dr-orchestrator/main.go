package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/altafin/dr-orchestrator/internal/aggregator"
	"github.com/altafin/dr-orchestrator/internal/alert"
	"github.com/altafin/dr-orchestrator/internal/api"
	"github.com/altafin/dr-orchestrator/internal/cache"
	"github.com/altafin/dr-orchestrator/internal/config"
	"github.com/altafin/dr-orchestrator/internal/cutover"
	"github.com/altafin/dr-orchestrator/internal/engine"
	"github.com/altafin/dr-orchestrator/internal/guard"
	"github.com/altafin/dr-orchestrator/internal/lag"
	"github.com/altafin/dr-orchestrator/internal/logger"
	"github.com/altafin/dr-orchestrator/internal/metrics"
	"github.com/altafin/dr-orchestrator/internal/model"
	"github.com/altafin/dr-orchestrator/internal/probe"
	"github.com/altafin/dr-orchestrator/internal/repository"
	"github.com/altafin/dr-orchestrator/pkg/httpserver"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	log := logger.NewWithLevel(logger.ParseLevel(*logLevel))

	if err := run(*configPath, log); err != nil {
		log.Error("orchestrator failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("starting failover orchestrator",
		slog.String("primary", cfg.Regions.Primary.String()),
		slog.String("secondary", cfg.Regions.Secondary.String()),
	)

	m := metrics.New()
	c := cache.New(cfg.Cache.TTL)
	notifier := alert.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout, m, log)

	// State store
	state, err := repository.NewStateRepository(cfg.Etcd, log)
	if err != nil {
		return fmt.Errorf("failed to create state repository: %w", err)
	}
	defer state.Close()

	// Routing layer
	router, err := repository.NewNomadRouter(cfg.Routing, c, cfg.Cache.TTL, log)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	// Replicated stores
	stores := make([]repository.ReplicatedStore, 0, len(cfg.Stores))
	storeIDs := make([]string, 0, len(cfg.Stores))
	for _, storeCfg := range cfg.Stores {
		store, err := repository.NewStoreAdminClient(storeCfg, log)
		if err != nil {
			return fmt.Errorf("failed to create store client %s: %w", storeCfg.ID, err)
		}
		stores = append(stores, store)
		storeIDs = append(storeIDs, store.ID())
	}

	// Workflow engine client
	workflows, err := repository.NewWorkflowClient(cfg.Workflow, log)
	if err != nil {
		return fmt.Errorf("failed to create workflow client: %w", err)
	}

	// Lag tracking
	tracker := lag.NewTracker(storeIDs, cfg.Lag.ReportInterval, m)
	collector := lag.NewCollector(stores, tracker, cfg.Lag.PollInterval, log)

	// Health probes feed the aggregator through a buffered channel so a busy
	// aggregation round never blocks a probe.
	samples := make(chan model.HealthSample, len(cfg.Probes)*2)

	probes, err := probe.Build(cfg.Probes, router)
	if err != nil {
		return fmt.Errorf("failed to build probes: %w", err)
	}
	probeManager := probe.NewManager(probes, cfg.Probes, samples, m, log)

	agg := aggregator.New(cfg.Aggregator, cfg.Probes, samples, notifier, m, log)

	// Workflow consistency guard
	g := guard.New(workflows, state, c, cfg.Cache.TTL, notifier, m, log)

	// Cutover coordinator
	coordinator := cutover.NewCoordinator(router, stores, g, tracker, state, cfg.Engine, cfg.Lag.RPOBound, notifier, m, log)

	// Decision engine
	eng := engine.New(cfg, state, agg, tracker, g, coordinator, notifier, m, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = eng.Reconcile(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to reconcile persisted state: %w", err)
	}

	agg.OnTransition(eng.OnHealthTransition)

	// HTTP API
	handler := api.NewHandler(eng, g, state, log)
	server := httpserver.New(cfg.Server.Addr, handler.Router(cfg.Server.BasePath), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, log)

	collector.Start()
	probeManager.Start()
	agg.Start()
	eng.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	// Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	// Shut down in reverse dependency order
	if err := server.Shutdown(); err != nil {
		log.Error("failed to shut down http server", slog.String("error", err.Error()))
	}
	eng.Stop()
	agg.Stop()
	probeManager.Stop()
	collector.Stop()

	log.Info("orchestrator stopped")
	return nil
}
