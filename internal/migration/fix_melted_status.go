package migration

import (
	"context"
	"time"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

// FixMeltedStatusName is the name of the melted status backfill
const FixMeltedStatusName = "fix-melted-token-status"

// fixMeltedStatus rewrites legacy melted records to spent. Those records hold proofs that
// were already consumed by a melt and must not count as a separate balance.
type fixMeltedStatus struct{}

// NewFixMeltedStatus returns the melted status backfill
func NewFixMeltedStatus() Migration {
	return fixMeltedStatus{}
}

func (fixMeltedStatus) Name() string { return FixMeltedStatusName }
func (fixMeltedStatus) Version() int { return 1 }
func (fixMeltedStatus) Description() string {
	return "rewrite legacy melted token records to spent, keeping spent_at where set"
}

func (m fixMeltedStatus) Preview(ctx context.Context, st store.Store) (*Preview, error) {
	impact, err := st.GetStatusImpactByOwner(ctx, domain.TokenStatusMelted)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		Name:           m.Name(),
		Version:        m.Version(),
		OwnersAffected: len(impact),
		ByOwner:        impact,
	}
	for _, i := range impact {
		p.TokensToMigrate += i.Tokens
		p.AmountToMigrate += i.Amount
	}
	return p, nil
}

func (fixMeltedStatus) Snapshot(ctx context.Context, st store.Store) ([]store.TokenStateSnapshot, error) {
	return st.SnapshotTokensByStatus(ctx, domain.TokenStatusMelted)
}

func (fixMeltedStatus) Apply(ctx context.Context, st store.Store, at time.Time) (int64, error) {
	return st.CorrectTokenStatus(ctx, domain.TokenStatusMelted, domain.TokenStatusSpent, at)
}

func (fixMeltedStatus) Remaining(ctx context.Context, st store.Store) (int64, error) {
	return st.CountTokensByStatus(ctx, domain.TokenStatusMelted)
}
