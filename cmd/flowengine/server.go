package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowengine/api/handlers"
	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/engine"
	"github.com/BaSui01/flowengine/internal/cache"
	"github.com/BaSui01/flowengine/internal/database"
	"github.com/BaSui01/flowengine/internal/metrics"
	"github.com/BaSui01/flowengine/internal/server"
	rowmetrics "github.com/BaSui01/flowengine/metrics"
	"github.com/BaSui01/flowengine/store"
)

// Server assembles the engine, its storage, and both HTTP listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	pool         *database.PoolManager
	cacheManager *cache.Manager
	store        *store.Store
	engine       *engine.Engine
	collector    *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	engineCancel context.CancelFunc
	samplerStop  chan struct{}
	samplerOnce  sync.Once
}

// NewServer opens the database, runs migrations, and wires the engine.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		collector:   metrics.NewCollector("flowengine", logger),
		samplerStop: make(chan struct{}),
	}

	poolCfg := database.DefaultPoolConfig()
	poolCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	poolCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime

	db, err := database.Open(database.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN(),
		Pool:   poolCfg,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.RegisterQueryMetrics(db, func(op string, d time.Duration) {
		s.collector.RecordDBQuery(cfg.Database.Driver, op, d)
	}); err != nil {
		return nil, fmt.Errorf("failed to register query metrics: %w", err)
	}

	s.pool, err = database.NewPoolManager(db, poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init connection pool: %w", err)
	}

	s.store = store.New(db, logger)
	if err := s.store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	plans, err := s.buildPlanCache()
	if err != nil {
		return nil, err
	}
	plans = &instrumentedPlanCache{inner: plans, collector: s.collector}

	runtime := engine.NewWebhookRuntime(s.store, nil, logger)
	s.engine = engine.New(s.store, runtime, plans, engineConfig(cfg.Engine), logger)

	s.engine.Scheduler.OnStep(func(agentID string, status store.ExecutionStatus, d time.Duration, retries int) {
		s.collector.RecordStep(agentID, string(status), d)
		if retries > 0 {
			s.collector.RecordStepRetries(agentID, retries)
		}
	})
	s.engine.Scheduler.OnExecution(func(workflowID string, status store.ExecutionStatus, d time.Duration) {
		s.collector.RecordExecution(workflowID, string(status), d)
	})
	s.engine.Breakers.OnTransition(func(agentID string, from, to engine.CircuitState) {
		s.collector.RecordBreakerTransition(agentID, from.String(), to.String())
	})

	return s, nil
}

// instrumentedPlanCache counts plan-cache hits and misses on the way
// through.
type instrumentedPlanCache struct {
	inner     engine.PlanCache
	collector *metrics.Collector
}

func (c *instrumentedPlanCache) Get(ctx context.Context, key string) ([][]string, bool) {
	batches, ok := c.inner.Get(ctx, key)
	if ok {
		c.collector.RecordCacheHit("plan")
	} else {
		c.collector.RecordCacheMiss("plan")
	}
	return batches, ok
}

func (c *instrumentedPlanCache) Set(ctx context.Context, key string, batches [][]string) {
	c.inner.Set(ctx, key, batches)
}

// startSampler publishes queue depth, dead-letter size, and connection
// pool occupancy as gauges on a fixed cadence.
func (s *Server) startSampler() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.samplerStop:
				return
			case <-ticker.C:
				s.collector.SetQueueDepth(s.engine.Queue.Size())
				s.collector.SetDeadLetterSize(s.engine.DeadLetter.Size())
				stats := s.pool.Stats()
				s.collector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
			}
		}
	}()
}

// buildPlanCache picks Redis when configured, else in-process.
func (s *Server) buildPlanCache() (engine.PlanCache, error) {
	if !s.cfg.Cache.Enabled {
		s.logger.Info("plan cache: in-memory")
		return cache.NewMemoryPlanCache(s.cfg.Cache.DefaultTTL), nil
	}

	manager, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Cache.Addr,
		Password:     s.cfg.Cache.Password,
		DB:           s.cfg.Cache.DB,
		DefaultTTL:   s.cfg.Cache.DefaultTTL,
		PoolSize:     s.cfg.Cache.PoolSize,
		MinIdleConns: s.cfg.Cache.MinIdleConns,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	s.cacheManager = manager
	s.logger.Info("plan cache: redis", zap.String("addr", s.cfg.Cache.Addr))
	return cache.NewRedisPlanCache(manager, s.cfg.Cache.DefaultTTL), nil
}

// engineConfig maps file configuration onto the engine's knobs.
func engineConfig(ec config.EngineConfig) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Scheduler.RetryPolicy = engine.Policy{
		Base:       ec.Retry.BaseDelay,
		Max:        ec.Retry.MaxDelay,
		Exponent:   ec.Retry.Exponent,
		Jitter:     ec.Retry.Jitter,
		MaxRetries: ec.Retry.MaxRetries,
	}
	cfg.Scheduler.Breaker = engine.BreakerConfig{
		FailureThreshold: ec.Breaker.FailureThreshold,
		Timeout:          ec.Breaker.Timeout,
		SuccessThreshold: ec.Breaker.SuccessThreshold,
	}
	cfg.Scheduler.PausePollInterval = ec.PausePollInterval
	cfg.Dispatcher.Workers = ec.Dispatcher.Workers
	cfg.Dispatcher.QueueSize = ec.Dispatcher.QueueSize
	cfg.Dispatcher.PollRate = rate.Limit(ec.Dispatcher.PollPerSec)
	cfg.DeadLetterLimit = ec.DeadLetterLimit
	return cfg
}

// Start launches the engine dispatcher and both HTTP listeners.
func (s *Server) Start() error {
	engineCtx, cancel := context.WithCancel(context.Background())
	s.engineCancel = cancel
	s.engine.Start(engineCtx)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	s.startSampler()

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	if s.cacheManager != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	aggregator := rowmetrics.NewAggregator(s.store, s.logger)
	handlers.RegisterRoutes(mux,
		handlers.NewWorkflowHandler(s.store, s.logger),
		handlers.NewExecutionHandler(s.engine, s.store, aggregator, s.logger),
		healthHandler,
	)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		ProcessTime(),
		RequestLogger(s.logger),
		Metrics(s.collector),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Addr(),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a signal or server error, then shuts
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		if err := s.httpManager.WaitForShutdown(); err != nil {
			s.logger.Error("server error", zap.Error(err))
		}
	}
	s.Shutdown()
}

// Shutdown stops the listeners, drains the engine, and closes
// connections.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	s.samplerOnce.Do(func() { close(s.samplerStop) })

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.engine != nil {
		s.engine.Stop()
	}
	if s.engineCancel != nil {
		s.engineCancel()
	}

	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
