package store

import (
	"context"
	"time"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// CreateTokenInput represents the data needed to create a token record
type CreateTokenInput struct {
	ID            string
	OwnerID       string
	WalletRef     string
	MintRef       string
	Proofs        []domain.Proof
	Status        domain.TokenStatus
	Metadata      domain.TokenMetadata
	TransactionID string
	CreatedAt     time.Time
}

// BalanceFilter narrows a balance aggregation
type BalanceFilter struct {
	OwnerID  string
	Statuses []domain.TokenStatus
	MintRef  string
}

// MarkSpentInput represents a conditional unspent -> spent update of source records
type MarkSpentInput struct {
	TokenIDs      []string
	SpentAt       time.Time
	TransactionID string
	OperationHash string
}

// TokenStateSnapshot is the restorable part of a token record
type TokenStateSnapshot struct {
	ID      string             `json:"id"`
	OwnerID string             `json:"owner_id"`
	Amount  int64              `json:"amount"`
	Status  domain.TokenStatus `json:"status"`
	SpentAt *time.Time         `json:"spent_at"`
}

// OwnerImpact is the per-owner count and amount affected by a status correction
type OwnerImpact struct {
	Tokens int64 `json:"tokens"`
	Amount int64 `json:"amount"`
}

// MigrationStateUpdate represents the fields changed on a migration state
type MigrationStateUpdate struct {
	Version        int
	Status         schema.MigrationStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	AffectedCount  *int64
	BackupSnapshot []byte
	Error          *string
	ClearError     bool
}

// CreateJournalEntryInput represents a journal row to append
type CreateJournalEntryInput struct {
	OwnerID        string
	TokenID        *string
	TransactionID  *string
	EntryType      schema.JournalEntryType
	Classification string
	Severity       schema.Severity
	Resolved       bool
	Meta           map[string]any
	CreatedAt      time.Time
}

// JournalFilter narrows a journal query
type JournalFilter struct {
	OwnerID        string
	EntryType      schema.JournalEntryType
	UnresolvedOnly bool
	Limit          int
}

// Store defines the interface for ledger persistence. Tests use the memory store instead of a mock.
type Store interface {
	// CreateToken validates and persists a new token record. It rejects records that break the
	// amount invariant, lack required metadata or reuse a secret held by a non-spent record.
	CreateToken(ctx context.Context, input CreateTokenInput) (*schema.Token, error)
	// GetTokenByID retrieves a token by its id, nil if not found
	GetTokenByID(ctx context.Context, id string) (*schema.Token, error)
	// GetTokensByIDs retrieves tokens by ids
	GetTokensByIDs(ctx context.Context, ids []string) ([]*schema.Token, error)
	// LockTokens re-reads tokens by ids for an imminent mutation. Transactional stores take row locks.
	LockTokens(ctx context.Context, ids []string) ([]*schema.Token, error)
	// GetTokenByTransactionID retrieves a token by its transaction id, nil if not found
	GetTokenByTransactionID(ctx context.Context, transactionID string) (*schema.Token, error)
	// TransactionIDExists reports whether a melt or record already used the transaction id
	TransactionIDExists(ctx context.Context, transactionID string) (bool, error)
	// FindTokenByOperationHash finds the latest record of the owner carrying the operation hash since the given time
	FindTokenByOperationHash(ctx context.Context, ownerID, operationHash string, since time.Time) (*schema.Token, error)
	// FindUnspent returns unspent tokens of the owner ordered by ascending amount
	FindUnspent(ctx context.Context, ownerID, mintRef string) ([]*schema.Token, error)
	// FindPending returns pending tokens of the owner
	FindPending(ctx context.Context, ownerID, mintRef string) ([]*schema.Token, error)
	// FindActiveSecrets returns which of the given secrets are held by records not spent
	FindActiveSecrets(ctx context.Context, secrets []string) ([]string, error)
	// GetBalance sums total_amount over matching records
	GetBalance(ctx context.Context, filter BalanceFilter) (int64, error)
	// GetBalancesByStatus sums total_amount per status for an owner in one aggregation
	GetBalancesByStatus(ctx context.Context, ownerID string) (map[domain.TokenStatus]int64, error)
	// MarkTokensSpent moves the given unspent tokens to spent and returns how many were updated
	MarkTokensSpent(ctx context.Context, input MarkSpentInput) (int64, error)
	// UpdateTokenStatus moves a token from one status to another if it is still in the from status
	UpdateTokenStatus(ctx context.Context, id string, from, to domain.TokenStatus, at time.Time) (bool, error)
	// SetRecoveryState marks a token with a recovery outcome
	SetRecoveryState(ctx context.Context, id string, state schema.RecoveryState) error
	// GetStalePendingTokens returns pending tokens created before olderThan without a recovery state
	GetStalePendingTokens(ctx context.Context, olderThan time.Time, limit int) ([]*schema.Token, error)
	// CountStalePendingTokens counts pending tokens created before olderThan without a recovery state
	CountStalePendingTokens(ctx context.Context, olderThan time.Time) (int64, error)

	// SnapshotTokensByStatus returns the restorable state of every token in status
	SnapshotTokensByStatus(ctx context.Context, status domain.TokenStatus) ([]TokenStateSnapshot, error)
	// CountTokensByStatus counts tokens in status
	CountTokensByStatus(ctx context.Context, status domain.TokenStatus) (int64, error)
	// GetStatusImpactByOwner groups tokens in status by owner
	GetStatusImpactByOwner(ctx context.Context, status domain.TokenStatus) (map[string]OwnerImpact, error)
	// CorrectTokenStatus rewrites every token in from to to, setting spent_at where missing when to is spent
	CorrectTokenStatus(ctx context.Context, from, to domain.TokenStatus, at time.Time) (int64, error)
	// RestoreTokenStates writes back status and spent_at from snapshots
	RestoreTokenStates(ctx context.Context, snapshots []TokenStateSnapshot) (int64, error)

	// CreateMigrationState inserts a migration state unless one exists. It returns the existing row when not created.
	CreateMigrationState(ctx context.Context, state *schema.MigrationState) (bool, *schema.MigrationState, error)
	// ClaimMigrationState moves a claimable migration state to running and reports whether this call won
	ClaimMigrationState(ctx context.Context, name string, version int, startedAt time.Time) (bool, error)
	// ReleaseMigrationState moves a running migration started before the cutoff to failed.
	// It reports false when the state is not running or started after the cutoff.
	ReleaseMigrationState(ctx context.Context, name string, startedBefore time.Time, reason string) (bool, error)
	// GetMigrationState retrieves a migration state, nil if absent
	GetMigrationState(ctx context.Context, name string) (*schema.MigrationState, error)
	// UpdateMigrationState updates a migration state
	UpdateMigrationState(ctx context.Context, name string, update MigrationStateUpdate) error

	// AppendJournal appends an entry to the ledger journal
	AppendJournal(ctx context.Context, input CreateJournalEntryInput) error
	// GetJournal lists journal entries, newest first
	GetJournal(ctx context.Context, filter JournalFilter) ([]*schema.LedgerJournal, error)
	// CountUnresolvedJournal counts unresolved entries for an owner at the given severity
	CountUnresolvedJournal(ctx context.Context, ownerID string, severity schema.Severity) (int64, error)
	// ResolveJournalEntry marks an entry resolved
	ResolveJournalEntry(ctx context.Context, id int64, at time.Time) error
}

// Transactor is implemented by stores that can run several writes as one atomic unit
type Transactor interface {
	// WithTransaction runs fn against a store bound to a single database transaction.
	// Returning an error from fn rolls back every write made through tx.
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}

// OwnerBalances returns the per-status balance summary of an owner from one aggregation.
// Total covers unspent, pending and spent records.
func OwnerBalances(ctx context.Context, st Store, ownerID string) (domain.Balances, error) {
	byStatus, err := st.GetBalancesByStatus(ctx, ownerID)
	if err != nil {
		return domain.Balances{}, err
	}

	b := domain.Balances{
		Unspent: byStatus[domain.TokenStatusUnspent],
		Pending: byStatus[domain.TokenStatusPending],
		Spent:   byStatus[domain.TokenStatusSpent],
	}
	b.Total = b.Unspent + b.Pending + b.Spent
	return b, nil
}
