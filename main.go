package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/auth"
	"github.com/ekaya-inc/costing-engine/pkg/config"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/handlers"
	"github.com/ekaya-inc/costing-engine/pkg/importmap"
	"github.com/ekaya-inc/costing-engine/pkg/logging"
	"github.com/ekaya-inc/costing-engine/pkg/middleware"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
	"github.com/ekaya-inc/costing-engine/pkg/services"
	"github.com/ekaya-inc/costing-engine/pkg/services/workqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", logging.SafeError(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("redis", cfg.Redis.Host),
		zap.String("lock_mode", cfg.Engine.LockMode))

	connStr := cfg.Database.ConnectionString()
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrationsForURL(connStr, cfg.MigrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	var diffCache services.DiffCache
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		diffCache = services.NewRedisDiffCache(redisClient, cfg.Engine.DiffCacheTTL, logger)
	} else {
		logger.Info("Redis not configured, caching snapshot diffs in memory")
		diffCache = services.NewMemoryDiffCache(cfg.Engine.DiffCacheTTL)
	}

	rules := importmap.DefaultRules()
	if cfg.Engine.ImportRulesPath != "" {
		rules, err = importmap.LoadRules(cfg.Engine.ImportRulesPath)
		if err != nil {
			return fmt.Errorf("failed to load import rules: %w", err)
		}
	}

	// Repositories
	estimateRepo := repositories.NewEstimateRepository()
	sectionRepo := repositories.NewSectionRepository()
	itemRepo := repositories.NewItemRepository()
	rateRepo := repositories.NewRateRepository()
	priceIndexRepo := repositories.NewPriceIndexRepository()
	coefficientRepo := repositories.NewCoefficientRepository()
	changeLogRepo := repositories.NewChangeLogRepository()
	snapshotRepo := repositories.NewSnapshotRepository()
	importSessionRepo := repositories.NewImportSessionRepository()
	importMemoryRepo := repositories.NewImportMemoryRepository()
	reviewQueueRepo := repositories.NewReviewQueueRepository()

	queue := workqueue.New(logger,
		workqueue.WithStrategy(workqueue.NewKeyedStrategy(cfg.Engine.WorkerConcurrency)))

	tenantCtx := services.NewTenantContextFunc(db)
	tx := services.NewTransactor()
	locks := services.NewEstimateLocks()

	// Services
	changeLogService := services.NewChangeLogService(changeLogRepo, logger)
	rateLibrary := services.NewRateLibrary(rateRepo, logger)
	indexResolver := services.NewIndexResolver(priceIndexRepo, coefficientRepo, logger)
	recalcService := services.NewRecalculationService(
		estimateRepo, sectionRepo, itemRepo, rateLibrary, indexResolver, changeLogService,
		tx, locks, queue, tenantCtx,
		services.RecalculationConfig{
			Timeout:         cfg.Engine.RecalculationTimeout,
			MaxDepth:        cfg.Engine.MaxHierarchyDepth,
			WaitForLock:     cfg.Engine.LockMode == config.LockModeWait,
			LockWaitTimeout: cfg.Engine.LockWaitTimeout,
			RollupTolerance: decimal.NewFromFloat(cfg.Engine.RollupTolerance),
		},
		logger)
	snapshotService := services.NewSnapshotService(
		snapshotRepo, estimateRepo, sectionRepo, itemRepo, changeLogService, recalcService,
		diffCache, tx, locks, logger)
	estimateService := services.NewEstimateService(
		estimateRepo, sectionRepo, itemRepo, rateLibrary, changeLogService, recalcService,
		snapshotService, tx, locks, cfg.Engine.MaxHierarchyDepth, logger)
	importService := services.NewImportService(
		importSessionRepo, importMemoryRepo, reviewQueueRepo, sectionRepo, itemRepo,
		estimateService, recalcService, changeLogService, importmap.NewMapper(rules),
		queue, tenantCtx, cfg.Engine.ImportConfidenceThreshold, logger)

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	if cfg.Engine.SnapshotInterval > 0 {
		scheduler := services.NewSnapshotScheduler(
			services.NewUnscopedContextFunc(db), tenantCtx, snapshotRepo, snapshotService, recalcService, logger)
		scheduler.RunScheduler(schedulerCtx, cfg.Engine.SnapshotInterval)
	}

	// Auth
	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		Audience:           cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, logger), logger)
	tenantMiddleware := database.WithTenantContext(db, logger)

	// Routes
	mux := http.NewServeMux()

	checks := map[string]handlers.Pinger{"database": db}
	if redisClient != nil {
		checks["redis"] = handlers.PingerFunc(func(ctx context.Context) error {
			return redisPing(ctx, redisClient)
		})
	}
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)
	handlers.NewEstimateHandler(estimateService, recalcService, changeLogService, logger).
		RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewSnapshotHandler(snapshotService, logger).
		RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewImportHandler(importService, logger).
		RegisterRoutes(mux, authMiddleware, tenantMiddleware)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting costing-engine",
			zap.String("addr", server.Addr),
			zap.String("base_url", cfg.BaseURL),
			zap.String("version", cfg.Version))
		var err error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	stopScheduler()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background jobs did not finish before shutdown", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

func redisPing(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
