package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// Status is the persisted state of a migration plus its live remaining count
type Status struct {
	Name          string                 `json:"name"`
	Version       int                    `json:"version"`
	Status        schema.MigrationStatus `json:"status"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	AffectedCount int64                  `json:"affected_count"`
	HasBackup     bool                   `json:"has_backup"`
	Error         *string                `json:"error,omitempty"`
	Remaining     int64                  `json:"remaining"`
}

// RunResult is the outcome of up or down
type RunResult struct {
	Name          string                 `json:"name"`
	Version       int                    `json:"version"`
	Status        schema.MigrationStatus `json:"status"`
	AffectedCount int64                  `json:"affected_count"`
	Duration      time.Duration          `json:"duration"`
}

// Engine runs migrations against the token store. Runs are single-flight across processes
// through the unique migration state row.
type Engine struct {
	store    store.Store
	executor store.AtomicExecutor
	registry *Registry
	monitor  *monitoring.Monitor
	alerter  alert.Alerter
	clock    adapter.Clock
}

// NewEngine creates a migration engine
func NewEngine(st store.Store, registry *Registry, monitor *monitoring.Monitor, alerter alert.Alerter, clock adapter.Clock) *Engine {
	return &Engine{
		store:    st,
		executor: store.NewAtomicExecutor(st),
		registry: registry,
		monitor:  monitor,
		alerter:  alerter,
		clock:    clock,
	}
}

// Registry returns the migrations known to the engine
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Preview reports what up would change. It never writes.
func (e *Engine) Preview(ctx context.Context, name string) (*Preview, error) {
	m, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return m.Preview(ctx, e.store)
}

// Status reports the state of a migration. A migration never started is pending.
func (e *Engine) Status(ctx context.Context, name string) (*Status, error) {
	m, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	remaining, err := m.Remaining(ctx, e.store)
	if err != nil {
		return nil, err
	}

	state, err := e.store.GetMigrationState(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &Status{
			Name:      name,
			Version:   m.Version(),
			Status:    schema.MigrationStatusPending,
			Remaining: remaining,
		}, nil
	}

	return &Status{
		Name:          state.Name,
		Version:       state.Version,
		Status:        state.Status,
		StartedAt:     state.StartedAt,
		CompletedAt:   state.CompletedAt,
		AffectedCount: state.AffectedCount,
		HasBackup:     hasBackup(state),
		Error:         state.Error,
		Remaining:     remaining,
	}, nil
}

func hasBackup(state *schema.MigrationState) bool {
	return len(state.BackupSnapshot) > 0 && string(state.BackupSnapshot) != "null"
}

// Up applies a migration. It fails with MIGRATION_ALREADY_RUNNING or
// MIGRATION_ALREADY_COMPLETED when another run holds or finished the migration.
func (e *Engine) Up(ctx context.Context, name string) (*RunResult, error) {
	m, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	var result *RunResult
	err = e.monitor.Track(monitoring.CategoryMigration, func() error {
		var err error
		result, err = e.up(ctx, m)
		return err
	})
	return result, err
}

func (e *Engine) up(ctx context.Context, m Migration) (*RunResult, error) {
	start := e.clock.Now()

	if _, _, err := e.store.CreateMigrationState(ctx, &schema.MigrationState{
		Name:    m.Name(),
		Version: m.Version(),
		Status:  schema.MigrationStatusPending,
	}); err != nil {
		return nil, fmt.Errorf("failed to create migration state: %w", err)
	}

	claimed, err := e.store.ClaimMigrationState(ctx, m.Name(), m.Version(), start)
	if err != nil {
		return nil, fmt.Errorf("failed to claim migration: %w", err)
	}
	if !claimed {
		return nil, e.notClaimable(ctx, m.Name())
	}

	logger.InfoCtx(ctx, "Migration started", zap.String("name", m.Name()), zap.Int("version", m.Version()))

	var (
		affected  int64
		snapshots []store.TokenStateSnapshot
	)
	runErr := e.executor.Execute(ctx, func(st store.Store) error {
		var err error
		snapshots, err = m.Snapshot(ctx, st)
		if err != nil {
			return fmt.Errorf("failed to snapshot records: %w", err)
		}
		if snapshots == nil {
			snapshots = []store.TokenStateSnapshot{}
		}
		backup, err := json.Marshal(snapshots)
		if err != nil {
			return fmt.Errorf("failed to encode backup snapshot: %w", err)
		}

		affected, err = m.Apply(ctx, st, e.clock.Now())
		if err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}

		remaining, err := m.Remaining(ctx, st)
		if err != nil {
			return fmt.Errorf("failed to verify migration: %w", err)
		}
		if remaining > 0 {
			return domain.Errorf(domain.ErrCodeMigrationFailed, "%d records still non-conforming after apply", remaining)
		}

		completedAt := e.clock.Now()
		return st.UpdateMigrationState(ctx, m.Name(), store.MigrationStateUpdate{
			Status:         schema.MigrationStatusCompleted,
			CompletedAt:    &completedAt,
			AffectedCount:  &affected,
			BackupSnapshot: backup,
			ClearError:     true,
		})
	})
	if runErr != nil {
		return nil, e.fail(ctx, m, snapshots, runErr)
	}

	logger.InfoCtx(ctx, "Migration completed",
		zap.String("name", m.Name()),
		zap.Int64("affected", affected),
		zap.Duration("duration", e.clock.Since(start)),
	)
	return &RunResult{
		Name:          m.Name(),
		Version:       m.Version(),
		Status:        schema.MigrationStatusCompleted,
		AffectedCount: affected,
		Duration:      e.clock.Since(start),
	}, nil
}

// fail restores data written by a sequential run, marks the state failed and alerts
func (e *Engine) fail(ctx context.Context, m Migration, snapshots []store.TokenStateSnapshot, cause error) error {
	if e.executor.Mode() == store.ExecutionModeSequential && len(snapshots) > 0 {
		if _, err := e.store.RestoreTokenStates(ctx, snapshots); err != nil {
			logger.ErrorCtx(ctx, fmt.Errorf("failed to restore records after migration failure: %w", err),
				zap.String("name", m.Name()))
		}
	}

	msg := cause.Error()
	if err := e.store.UpdateMigrationState(ctx, m.Name(), store.MigrationStateUpdate{
		Status: schema.MigrationStatusFailed,
		Error:  &msg,
	}); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to mark migration failed: %w", err), zap.String("name", m.Name()))
	}

	logger.ErrorCtx(ctx, cause, zap.String("name", m.Name()))
	if err := e.alerter.Send(ctx, alert.Alert{
		Type:     alert.TypeMigrationFailed,
		Severity: alert.SeverityCritical,
		Title:    "Migration failed",
		Message:  msg,
		Key:      m.Name(),
		Fields: map[string]string{
			"name":    m.Name(),
			"version": strconv.Itoa(m.Version()),
		},
	}); err != nil {
		logger.WarnCtx(ctx, "Failed to send alert", zap.Error(err))
	}

	return domain.WrapError(domain.ErrCodeMigrationFailed, "migration failed", cause).WithDetail("name", m.Name())
}

func (e *Engine) notClaimable(ctx context.Context, name string) error {
	state, err := e.store.GetMigrationState(ctx, name)
	if err != nil {
		return err
	}
	if state == nil {
		return domain.ErrMigrationStateNotFound
	}

	switch state.Status {
	case schema.MigrationStatusCompleted:
		return domain.NewError(domain.ErrCodeMigrationAlreadyCompleted, "migration already completed").WithDetail("name", name)
	default:
		return domain.NewError(domain.ErrCodeMigrationAlreadyRunning, "migration already running").WithDetail("name", name)
	}
}

// Reset marks a migration left running by a dead process as failed so up can claim it again.
// A claim younger than staleAfter is treated as a live run and left alone.
func (e *Engine) Reset(ctx context.Context, name string, staleAfter time.Duration) (*Status, error) {
	if _, err := e.registry.Get(name); err != nil {
		return nil, err
	}

	state, err := e.store.GetMigrationState(ctx, name)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, domain.WrapError(domain.ErrCodeNotFound, "migration was never started", domain.ErrMigrationStateNotFound).
			WithDetail("name", name)
	}
	if state.Status != schema.MigrationStatusRunning {
		return nil, domain.Errorf(domain.ErrCodeInvalidStatusTransition, "migration is %s, not running", state.Status).
			WithDetail("name", name)
	}

	cutoff := e.clock.Now().Add(-staleAfter)
	released, err := e.store.ReleaseMigrationState(ctx, name, cutoff,
		fmt.Sprintf("reset after running longer than %s", staleAfter))
	if err != nil {
		return nil, fmt.Errorf("failed to reset migration: %w", err)
	}
	if !released {
		return nil, domain.NewError(domain.ErrCodeMigrationAlreadyRunning, "migration claim is not stale").
			WithDetail("name", name).
			WithDetail("stale_after", staleAfter.String())
	}

	logger.WarnCtx(ctx, "Migration reset from running to failed",
		zap.String("name", name),
		zap.Duration("stale_after", staleAfter),
	)
	return e.Status(ctx, name)
}

// Down restores every record from the backup snapshot of a completed migration
func (e *Engine) Down(ctx context.Context, name string) (*RunResult, error) {
	m, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	var result *RunResult
	err = e.monitor.Track(monitoring.CategoryMigration, func() error {
		var err error
		result, err = e.down(ctx, m)
		return err
	})
	return result, err
}

func (e *Engine) down(ctx context.Context, m Migration) (*RunResult, error) {
	start := e.clock.Now()

	state, err := e.store.GetMigrationState(ctx, m.Name())
	if err != nil {
		return nil, err
	}
	if state == nil || state.Status != schema.MigrationStatusCompleted {
		return nil, domain.NewError(domain.ErrCodeMigrationNotCompleted, "no completed migration to roll back").
			WithDetail("name", m.Name())
	}
	if !hasBackup(state) {
		return nil, domain.NewError(domain.ErrCodeMigrationNotCompleted, "completed migration has no backup snapshot").
			WithDetail("name", m.Name())
	}

	var snapshots []store.TokenStateSnapshot
	if err := json.Unmarshal(state.BackupSnapshot, &snapshots); err != nil {
		return nil, domain.WrapError(domain.ErrCodeMigrationFailed, "backup snapshot is unreadable", err)
	}

	var restored int64
	err = e.executor.Execute(ctx, func(st store.Store) error {
		var err error
		restored, err = st.RestoreTokenStates(ctx, snapshots)
		if err != nil {
			return fmt.Errorf("failed to restore records: %w", err)
		}

		completedAt := e.clock.Now()
		return st.UpdateMigrationState(ctx, m.Name(), store.MigrationStateUpdate{
			Status:        schema.MigrationStatusRolledBack,
			CompletedAt:   &completedAt,
			AffectedCount: &restored,
			ClearError:    true,
		})
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeMigrationFailed, "rollback failed", err).WithDetail("name", m.Name())
	}

	logger.InfoCtx(ctx, "Migration rolled back",
		zap.String("name", m.Name()),
		zap.Int64("restored", restored),
	)
	return &RunResult{
		Name:          m.Name(),
		Version:       state.Version,
		Status:        schema.MigrationStatusRolledBack,
		AffectedCount: restored,
		Duration:      e.clock.Since(start),
	}, nil
}
