package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/cli"
	"github.com/feral-file/ff-ecash-ledger/internal/config"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/migration"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

func main() {
	config.ChdirRepoRoot()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCommand(openEngine).ExecuteContext(ctx)
	logger.Flush(2 * time.Second)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}

// openEngine connects to the database and wires the migration engine
func openEngine(ctx context.Context, opts *cli.RootOptions) (cli.MigrationRunner, func(), error) {
	cfg, err := config.LoadMigrateConfig(opts.ConfigFile, opts.EnvPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Logs go to stderr so JSON output stays parseable
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Service:   "ledger-migrate",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.ConfigureConnectionPool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime); err != nil {
		return nil, nil, fmt.Errorf("failed to configure connection pool: %w", err)
	}

	dataStore := store.NewPGStore(db)
	clock := adapter.NewClock()

	alerter, closeAlerts, err := alert.FromConfig(cfg.Alert, "ledger-migrate", clock)
	if err != nil {
		return nil, nil, err
	}

	monitor := monitoring.NewMonitor(monitoring.DefaultConfig(), dataStore, alerter, clock)
	engine := migration.NewEngine(dataStore, migration.DefaultRegistry(), monitor, alerter, clock)

	release := func() {
		closeAlerts()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return engine, release, nil
}
