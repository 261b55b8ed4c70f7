package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/cache"
	"github.com/cachemesh/cachemesh/internal/client"
	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/config"
	"github.com/cachemesh/cachemesh/internal/handler"
	"github.com/cachemesh/cachemesh/internal/health"
	"github.com/cachemesh/cachemesh/internal/invalidation"
	"github.com/cachemesh/cachemesh/internal/lock"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/policy"
	"github.com/cachemesh/cachemesh/internal/replication"
	"github.com/cachemesh/cachemesh/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting CacheMesh coordinator")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.Int("partitions", cfg.Cluster.PartitionCount),
		zap.Int("replication_factor", cfg.Cluster.ReplicationFactor),
		zap.String("default_consistency", cfg.Consistency.DefaultLevel))

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Metadata store: PostgreSQL when configured, in-memory otherwise
	var metadataStore store.MetadataStore
	if cfg.Database.Enabled {
		metadataStore, err = store.NewPostgresMetadataStore(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize metadata store", zap.Error(err))
		}
		logger.Info("Metadata store initialized (postgres)")
	} else {
		metadataStore = store.NewMemoryMetadataStore()
		logger.Info("Metadata store initialized (memory)")
	}
	defer metadataStore.Close()

	// Cluster registry and partition map
	assigner := algorithm.NewPartitionAssigner(cfg.Cluster.PartitionCount, cfg.Cluster.VirtualNodes)
	registry := cluster.NewRegistry(assigner, cfg.Cluster.ReplicationFactor, logger)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	bootstrap(bootCtx, metadataStore, registry, logger)

	// Node clients: Redis driver for the distributed tier
	pool := client.NewRedisPool(os.Getenv("REDIS_PASSWORD"), 0, true, logger)
	defer pool.CloseAll()

	breakers := cluster.NewBreakerGroup(cluster.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.OpenTimeout,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	}, m, logger)

	local, err := cache.NewLocal(cfg.Cache.MaxEntries, m, logger)
	if err != nil {
		logger.Fatal("Failed to initialize local cache", zap.Error(err))
	}

	policies := policy.NewEngine(logger)
	strategies := replication.NewStrategyRegistry()

	coordinator := replication.NewCoordinator(
		registry,
		breakers,
		pool,
		strategies,
		policies,
		local,
		cfg.Consistency.ReadTimeout,
		cfg.Consistency.WriteTimeout,
		m,
		logger,
	)
	coordinator.Hints().Start()
	defer coordinator.Hints().Stop()

	invalidationEngine := invalidation.NewEngine(coordinator, 0, m, logger)
	defer invalidationEngine.Stop()

	lockManager := lock.NewManager(5*time.Second, logger)
	lockManager.Start()
	defer lockManager.Stop()

	loadPolicies(bootCtx, cfg, metadataStore, policies, logger)
	loadRules(bootCtx, cfg, metadataStore, invalidationEngine, logger)
	bootCancel()

	// Background L1 sweep
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Cache.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				local.Sweep(0.9)
			case <-sweepStop:
				return
			}
		}
	}()
	defer close(sweepStop)

	// Health probe loop over registered nodes
	healthLoop := cluster.NewHealthLoop(
		registry,
		pool,
		breakers,
		cfg.Health.ProbeInterval,
		cfg.Health.ProbeTimeout,
		cfg.Health.FailureThreshold,
		m,
		logger,
	)
	healthLoop.Start()
	defer healthLoop.Stop()

	// Gossip-based discovery
	if cfg.Gossip.Enabled {
		localNode := &model.Node{
			ID:     cfg.Server.NodeID,
			Host:   cfg.Server.Host,
			Port:   cfg.Server.Port,
			Role:   model.NodeRolePrimary,
			Health: model.NodeHealthy,
		}
		gossip, err := cluster.NewGossip(&cluster.GossipConfig{
			Enabled:   true,
			BindPort:  cfg.Gossip.BindPort,
			SeedNodes: cfg.Gossip.Seeds,
		}, localNode, registry, logger)
		if err != nil {
			logger.Fatal("Failed to start gossip", zap.Error(err))
		}
		defer gossip.Shutdown()
		logger.Info("Gossip discovery started", zap.Int("port", cfg.Gossip.BindPort))
	}

	// Metrics server
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Health check server
	healthChecker := health.NewHealthChecker(registry, metadataStore, logger)
	healthServer := health.StartHealthServer(healthChecker, cfg.Server.Port+1, logger)

	// Admin and data-path HTTP server
	cacheHandler := handler.NewCacheHandler(coordinator, logger)
	adminHandler := handler.NewAdminHandler(registry, policies, invalidationEngine, lockManager, coordinator, metadataStore, logger)
	router := handler.NewRouter(cacheHandler, adminHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting API server", zap.String("address", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown failed", zap.Error(err))
	}
	invalidationEngine.Drain()

	logger.Info("Shutdown complete")
}

// bootstrap restores cluster membership from the metadata store
func bootstrap(ctx context.Context, metadataStore store.MetadataStore, registry *cluster.Registry, logger *zap.Logger) {
	nodes, err := metadataStore.ListNodes(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted nodes", zap.Error(err))
		return
	}
	for _, node := range nodes {
		if err := registry.Register(node); err != nil {
			logger.Warn("Failed to restore node", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
	if len(nodes) > 0 {
		logger.Info("Cluster membership restored", zap.Int("nodes", len(nodes)))
	}
}

// loadPolicies installs policies from the metadata store plus the optional
// policy file
func loadPolicies(ctx context.Context, cfg *config.Config, metadataStore store.MetadataStore, policies *policy.Engine, logger *zap.Logger) {
	specs, err := metadataStore.ListPolicies(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted policies", zap.Error(err))
	}
	if cfg.PolicyFile != "" {
		fileSpecs, err := config.LoadPolicies(cfg.PolicyFile)
		if err != nil {
			logger.Warn("Failed to load policy file", zap.String("path", cfg.PolicyFile), zap.Error(err))
		} else {
			specs = append(specs, fileSpecs...)
		}
	}

	for _, spec := range specs {
		compiled, err := spec.Compile()
		if err != nil {
			logger.Warn("Skipping invalid policy", zap.String("policy", spec.Name), zap.Error(err))
			continue
		}
		if err := policies.Register(compiled); err != nil {
			logger.Warn("Skipping policy", zap.String("policy", spec.Name), zap.Error(err))
		}
	}
	if len(specs) > 0 {
		logger.Info("Policies loaded", zap.Int("count", len(specs)))
	}
}

// loadRules installs invalidation rules from the metadata store plus the
// optional rule file
func loadRules(ctx context.Context, cfg *config.Config, metadataStore store.MetadataStore, engine *invalidation.Engine, logger *zap.Logger) {
	rules, err := metadataStore.ListRules(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted rules", zap.Error(err))
	}
	if cfg.RuleFile != "" {
		fileRules, err := config.LoadRules(cfg.RuleFile)
		if err != nil {
			logger.Warn("Failed to load rule file", zap.String("path", cfg.RuleFile), zap.Error(err))
		} else {
			rules = append(rules, fileRules...)
		}
	}

	for _, rule := range rules {
		if err := engine.RegisterRule(rule); err != nil {
			logger.Warn("Skipping rule", zap.String("rule", rule.Name), zap.Error(err))
		}
	}
	if len(rules) > 0 {
		logger.Info("Invalidation rules loaded", zap.Int("count", len(rules)))
	}
}
