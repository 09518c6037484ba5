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
	"github.com/feral-file/ff-ecash-ledger/internal/api/middleware"
	"github.com/feral-file/ff-ecash-ledger/internal/api/rest"
	"github.com/feral-file/ff-ecash-ledger/internal/api/server"
	"github.com/feral-file/ff-ecash-ledger/internal/config"
	"github.com/feral-file/ff-ecash-ledger/internal/ledger"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/migration"
	"github.com/feral-file/ff-ecash-ledger/internal/mint"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/ratelimit"
	"github.com/feral-file/ff-ecash-ledger/internal/reconciliation"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadAPIConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Service:   "ledger-api",
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting ecash ledger API")

	// Connect to database
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err), zap.String("host", cfg.Database.Host))
	}

	// Configure connection pool
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		logger.FatalCtx(ctx, "Failed to configure connection pool", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to database",
		zap.Int("max_open_conns", cfg.Database.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.Database.MaxIdleConns),
	)

	// Initialize store
	dataStore := store.NewPGStore(db)

	// Initialize adapters
	clock := adapter.NewClock()
	jcs := adapter.NewJCS()

	alerter, closeAlerts, err := alert.FromConfig(cfg.Alert, "ledger-api", clock)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to configure alerts", zap.Error(err))
	}
	defer closeAlerts()

	// Mint clients share one HTTP client. Payment requests are never retried by the client.
	mintLimiter := newMintLimiter(cfg.Mint, clock)
	defer func() { _ = mintLimiter.Close() }()
	mintHTTP := adapter.NewHTTPClient(cfg.Mint.Timeout)
	mints := mint.NewRegistry(func(mintURL string) mint.Client {
		return mint.NewHTTPClient(mintURL, mintHTTP, mintLimiter)
	}, cfg.Mint.MintURLs()...)
	logger.InfoCtx(ctx, "Configured mints", zap.Strings("mints", mints.Mints()))

	monitor := monitoring.NewMonitor(monitoring.Config{
		FailureRateThreshold: cfg.Monitoring.FailureRateThreshold,
		MinAttempts:          cfg.Monitoring.MinAttempts,
		PendingAgeThreshold:  cfg.Monitoring.PendingAgeThreshold,
	}, dataStore, alerter, clock)

	recon := reconciliation.NewEngine(dataStore, store.NewAtomicExecutor(dataStore), mints, alerter, monitor, clock, cfg.Mint.CheckTimeout)

	ledgerService := ledger.NewService(ledger.Config{
		DefaultMintRef:  cfg.Mint.URL,
		MintTimeout:     cfg.Mint.Timeout,
		DuplicateWindow: cfg.Ledger.DuplicateWindow,
	}, dataStore, recon, mints, monitor, alerter, jcs, clock)

	migrations := migration.NewEngine(dataStore, migration.DefaultRegistry(), monitor, alerter, clock)

	handler := rest.NewHandler(ledgerService, rest.NewJournalService(dataStore, recon), migrations, monitor)

	// Create and start server
	srv := server.New(server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Auth: middleware.AuthConfig{
			JWTPublicKey: cfg.Auth.JWTPublicKey,
			APIKeys:      cfg.Auth.APIKeys,
		},
	}, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// In-flight melts get the mint timeout to finish before the server is closed
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Mint.Timeout+5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.FatalCtx(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logger.Info("API server stopped")
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
