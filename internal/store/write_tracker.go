package store

import (
	"context"
	"time"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// writeTracker wraps a store and records whether any mutating call changed data
type writeTracker struct {
	Store
	wrote  bool
	writes int
}

func (w *writeTracker) mark(changed bool) {
	if changed {
		w.wrote = true
		w.writes++
	}
}

func (w *writeTracker) CreateToken(ctx context.Context, input CreateTokenInput) (*schema.Token, error) {
	t, err := w.Store.CreateToken(ctx, input)
	w.mark(err == nil)
	return t, err
}

func (w *writeTracker) MarkTokensSpent(ctx context.Context, input MarkSpentInput) (int64, error) {
	n, err := w.Store.MarkTokensSpent(ctx, input)
	w.mark(n > 0)
	return n, err
}

func (w *writeTracker) UpdateTokenStatus(ctx context.Context, id string, from, to domain.TokenStatus, at time.Time) (bool, error) {
	ok, err := w.Store.UpdateTokenStatus(ctx, id, from, to, at)
	w.mark(ok)
	return ok, err
}

func (w *writeTracker) SetRecoveryState(ctx context.Context, id string, state schema.RecoveryState) error {
	err := w.Store.SetRecoveryState(ctx, id, state)
	w.mark(err == nil)
	return err
}

func (w *writeTracker) CorrectTokenStatus(ctx context.Context, from, to domain.TokenStatus, at time.Time) (int64, error) {
	n, err := w.Store.CorrectTokenStatus(ctx, from, to, at)
	w.mark(n > 0)
	return n, err
}

func (w *writeTracker) RestoreTokenStates(ctx context.Context, snapshots []TokenStateSnapshot) (int64, error) {
	n, err := w.Store.RestoreTokenStates(ctx, snapshots)
	w.mark(n > 0)
	return n, err
}
