package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/config"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/mint"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/ratelimit"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/sweeper"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadSweeperConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Service:   "ledger-sweeper",
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting ledger sweeper")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err), zap.String("host", cfg.Database.Host))
	}

	// Configure connection pool
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}

	// Initialize store
	dataStore := store.NewPGStore(db)

	// Initialize clock adapter
	clock := adapter.NewClock()

	alerter, closeAlerts, err := alert.FromConfig(cfg.Alert, "ledger-sweeper", clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to configure alerts", zap.Error(err))
	}
	defer closeAlerts()

	// The sweeper only checks and reads quotes, so retries on the mint client are safe
	mintLimiter := newMintLimiter(cfg.Mint, clock)
	defer func() { _ = mintLimiter.Close() }()
	mintHTTP := adapter.NewHTTPClient(cfg.Mint.Timeout)
	mints := mint.NewRegistry(func(mintURL string) mint.Client {
		return mint.NewHTTPClient(mintURL, mintHTTP, mintLimiter)
	}, cfg.Mint.MintURLs()...)

	monitor := monitoring.NewMonitor(monitoring.Config{
		FailureRateThreshold: cfg.Monitoring.FailureRateThreshold,
		MinAttempts:          cfg.Monitoring.MinAttempts,
		PendingAgeThreshold:  cfg.Monitoring.PendingAgeThreshold,
	}, dataStore, alerter, clock)

	recoveryConfig := sweeper.PendingRecoveryConfig{
		BatchSize:      cfg.Recovery.BatchSize,
		WorkerPoolSize: cfg.Recovery.PoolSize,
		PendingAge:     cfg.Recovery.PendingTimeout,
		Interval:       cfg.Recovery.Interval,
		MintTimeout:    cfg.Mint.CheckTimeout,
		RetryInitial:   cfg.Recovery.RetryInitial,
		RetryMaxTotal:  cfg.Recovery.RetryMaxTotal,
	}
	sweepers := []sweeper.Sweeper{
		sweeper.NewPendingRecoverySweeper(recoveryConfig, dataStore, mints, monitor, alerter, clock),
		sweeper.NewHealthSweeper(monitor, clock, cfg.Monitoring.Interval),
	}

	logger.InfoCtx(ctx, "Initialized sweepers",
		zap.Int("batch_size", recoveryConfig.BatchSize),
		zap.Int("worker_pool_size", recoveryConfig.WorkerPoolSize),
		zap.Duration("pending_age", recoveryConfig.PendingAge),
		zap.Strings("mints", mints.Mints()),
	)

	// Start each sweeper in a goroutine
	errChan := make(chan error, len(sweepers))
	for _, s := range sweepers {
		go func(s sweeper.Sweeper) {
			if err := s.Start(ctx); err != nil {
				errChan <- fmt.Errorf("%s: %w", s.Name(), err)
			}
		}(s)
	}

	// Wait for interrupt signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.ErrorCtx(ctx, err)
	}

	// Cancel context to stop the sweepers
	cancel()

	// Give in-flight recoveries time to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Mint.CheckTimeout+2*time.Second)
	defer shutdownCancel()

	for _, s := range sweepers {
		if err := s.Stop(shutdownCtx); err != nil {
			logger.ErrorCtx(shutdownCtx, err, zap.String("sweeper", s.Name()))
		}
	}

	logger.Info("Sweeper stopped")
}

// newMintLimiter shares the mint rate limit through redis when configured
func newMintLimiter(cfg config.MintConfig, clock adapter.Clock) ratelimit.Limiter {
	var rc adapter.RedisClient
	if cfg.RateLimit.RedisAddr != "" {
		rc = adapter.NewRedisClient(cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword, cfg.RateLimit.RedisDB)
	}
	return ratelimit.New(ratelimit.Config{
		RequestsPerSecond:       cfg.RequestsPerSecond,
		Burst:                   cfg.Burst,
		KeyPrefix:               cfg.RateLimit.KeyPrefix,
		LocalFallbackMultiplier: cfg.RateLimit.LocalFallbackMultiplier,
	}, rc, clock)
}
