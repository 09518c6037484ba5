package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
)

// ExecutionMode tells how an AtomicExecutor applies a unit of work
type ExecutionMode string

const (
	// ExecutionModeTransactional runs the unit inside one database transaction
	ExecutionModeTransactional ExecutionMode = "transactional"
	// ExecutionModeSequential runs the unit step by step with no rollback
	ExecutionModeSequential ExecutionMode = "sequential"
)

// AtomicExecutor runs a multi-record unit of work against the store
type AtomicExecutor interface {
	// Execute runs fn. In transactional mode every write made through the store passed to fn
	// is rolled back when fn returns an error.
	Execute(ctx context.Context, fn func(st Store) error) error
	// Mode reports how units are applied
	Mode() ExecutionMode
}

// NewAtomicExecutor selects the executor from the capability of the store
func NewAtomicExecutor(st Store) AtomicExecutor {
	if tx, ok := st.(Transactor); ok {
		return &transactionalExecutor{tx: tx}
	}
	return &sequentialExecutor{store: st}
}

type transactionalExecutor struct {
	tx Transactor
}

func (e *transactionalExecutor) Execute(ctx context.Context, fn func(st Store) error) error {
	return e.tx.WithTransaction(ctx, fn)
}

func (e *transactionalExecutor) Mode() ExecutionMode {
	return ExecutionModeTransactional
}

// sequentialExecutor runs the unit directly. A failure after the first write leaves
// earlier writes in place; callers order their steps so every validation runs first.
type sequentialExecutor struct {
	store Store
}

func (e *sequentialExecutor) Execute(ctx context.Context, fn func(st Store) error) error {
	tracked := &writeTracker{Store: e.store}
	err := fn(tracked)
	if err == nil || !tracked.wrote {
		return err
	}

	logger.ErrorCtx(ctx, errors.New("sequential unit failed after writing"),
		zap.Error(err),
		zap.Int("writes", tracked.writes),
	)

	var le *domain.LedgerError
	if errors.As(err, &le) {
		le.RequiresManualIntervention = true
		return le
	}
	return domain.WrapError(domain.ErrCodeInvariantViolation, "unit failed after partial writes", err).
		WithManualIntervention()
}

func (e *sequentialExecutor) Mode() ExecutionMode {
	return ExecutionModeSequential
}
