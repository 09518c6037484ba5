package sweeper

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
)

// healthSweeper evaluates the monitor thresholds on a fixed interval
type healthSweeper struct {
	monitor   *monitoring.Monitor
	clock     adapter.Clock
	interval  time.Duration
	running   atomic.Bool
	stopChan  chan struct{}
	stoppedCh chan struct{}
}

// NewHealthSweeper creates a sweeper that runs the monitor health check every interval
func NewHealthSweeper(monitor *monitoring.Monitor, clock adapter.Clock, interval time.Duration) Sweeper {
	return &healthSweeper{
		monitor:   monitor,
		clock:     clock,
		interval:  interval,
		stopChan:  make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (s *healthSweeper) Name() string {
	return "health-sweeper"
}

func (s *healthSweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	defer func() {
		s.running.Store(false)
		close(s.stoppedCh)
	}()

	logger.InfoCtx(ctx, "Starting health sweeper", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopChan:
			return nil
		case <-s.clock.After(s.interval):
			report, err := s.monitor.CheckHealth(ctx)
			if err != nil {
				logger.ErrorCtx(ctx, err)
				continue
			}
			if !report.Healthy {
				logger.WarnCtx(ctx, "Ledger health check failed",
					zap.Int64("stale_pending", report.StalePendingCount),
					zap.Any("high_failure_rate", report.HighFailureRate),
				)
			}
		}
	}
}

func (s *healthSweeper) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
