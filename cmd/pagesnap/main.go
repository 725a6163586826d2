package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/batch"
	"github.com/pagesnap/engine/internal/cache"
	"github.com/pagesnap/engine/internal/config"
	"github.com/pagesnap/engine/internal/gate"
	"github.com/pagesnap/engine/internal/hash"
	"github.com/pagesnap/engine/internal/logger"
	"github.com/pagesnap/engine/internal/metrics"
	"github.com/pagesnap/engine/internal/metricsserver"
	"github.com/pagesnap/engine/internal/orchestrator"
	"github.com/pagesnap/engine/internal/redisstore"
	"github.com/pagesnap/engine/internal/renderer"
	"github.com/pagesnap/engine/internal/s3store"
	"github.com/pagesnap/engine/internal/server"
	"github.com/pagesnap/engine/internal/urlutil"
)

func main() {
	configPath := flag.String("c", "configs/pagesnap.yaml", "path to configuration file")
	flag.Parse()

	// Startup logger, replaced once the config is loaded
	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	initialLogger.Info("Starting PageSnap engine", zap.String("config_path", *configPath))

	cfg, err := config.Load(*configPath, initialLogger.Logger)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()

	appLogger := dynamicLogger.Logger

	redisClient, err := redisstore.NewClient(&cfg.Redis, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	ctx := context.Background()

	durableStore, err := s3store.NewStore(ctx, &cfg.Storage, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize durable store", zap.Error(err))
	}

	cacheManager := cache.NewManager(
		redisClient,
		durableStore,
		cfg.Cache.SuccessTTL.ToDuration(),
		cfg.Cache.FailureTTL.ToDuration(),
		appLogger,
	)

	renderLock := cache.NewRenderLock(
		redisClient,
		cfg.Cache.LockTTL.ToDuration(),
		cfg.Cache.WaitTimeout.ToDuration(),
		cfg.Cache.PollInterval.ToDuration(),
		appLogger,
	)

	renderGate, err := gate.New(cfg.Render.Workers, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to create render gate", zap.Error(err))
	}

	chrome, err := renderer.NewChromeRenderer(cfg.Render.ReadinessSelector, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to start browser", zap.Error(err))
	}
	defer chrome.Close()

	pipeline := renderer.NewPipeline(
		chrome,
		cfg.Render.LoadTimeout.ToDuration(),
		cfg.Render.ReadinessTimeout.ToDuration(),
		appLogger,
	)

	collector := metrics.NewCollector(cfg.Metrics.Namespace, appLogger)

	metricsServer, err := metricsserver.Start(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		collector.Handler(),
		appLogger,
	)
	if err != nil {
		appLogger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	orch := orchestrator.New(
		hash.NewURLNormalizer(),
		urlutil.NewGuard(),
		cacheManager,
		renderLock,
		renderGate,
		pipeline,
		collector,
		appLogger,
	)

	sitemapFetcher := batch.NewSitemapFetcher(cfg.Batch.SitemapTimeout.ToDuration(), urlutil.NewGuard(), appLogger)
	jobManager := batch.NewManager(orch, durableStore, cfg.Batch.Workers, collector, appLogger)

	srv := server.NewServer(
		orch,
		jobManager,
		sitemapFetcher,
		redisClient,
		cfg.Server.Timeout.ToDuration(),
		appLogger,
	)

	serverErrors := make(chan error, 1)
	httpLifecycle := &serverLifecycle{
		server:  newFastHTTPServer(srv.HandleRequest, cfg.Server.Timeout.ToDuration()),
		name:    "HTTP",
		address: cfg.Server.Listen,
		logger:  appLogger,
	}
	httpLifecycle.StartWithErrorChan(serverErrors)

	// Catch immediate bind failures before declaring startup complete
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrors:
		appLogger.Fatal("Server failed to start", zap.Error(err))
	default:
	}

	appLogger.Info("PageSnap engine started",
		zap.String("http_addr", cfg.Server.Listen),
		zap.String("browser", chrome.BrowserVersion()))

	dynamicLogger.SwitchToConfiguredLevel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Info("Shutting down PageSnap engine...")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		appLogger.Error("Server failed, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		appLogger.Info("Shutting down metrics server")
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			appLogger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	httpLifecycle.Shutdown(shutdownCtx)

	appLogger.Info("PageSnap engine stopped")
}

const serverName = "PageSnap/1.0"

func newFastHTTPServer(handler fasthttp.RequestHandler, timeout time.Duration) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                      handler,
		Name:                         serverName,
		ReadTimeout:                  timeout,
		WriteTimeout:                 timeout,
		IdleTimeout:                  timeout,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultDate:                true,
	}
}

type serverLifecycle struct {
	server  *fasthttp.Server
	name    string
	address string
	logger  *zap.Logger
}

func (s *serverLifecycle) StartWithErrorChan(errChan chan<- error) {
	go func() {
		if err := s.server.ListenAndServe(s.address); err != nil {
			s.logger.Error("Server error", zap.String("name", s.name), zap.Error(err))
			if errChan != nil {
				errChan <- fmt.Errorf("%s server failed: %w", s.name, err)
			}
		}
	}()
	s.logger.Info("Server started", zap.String("name", s.name), zap.String("address", s.address))
}

func (s *serverLifecycle) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server", zap.String("name", s.name))
	err := s.server.ShutdownWithContext(ctx)
	if err != nil {
		s.logger.Error("Server shutdown error", zap.String("name", s.name), zap.Error(err))
	}
	return err
}
