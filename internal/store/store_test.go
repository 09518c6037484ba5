package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

const (
	testMint   = "https://mint.example.com"
	testWallet = "wallet-1"
)

// seedFunc inserts a record bypassing validation, used for legacy rows
type seedFunc func(t *testing.T, s Store, token *schema.Token)

// =============================================================================
// Test Data Builders
// =============================================================================

// buildProofs creates proofs with fresh secrets for the given amounts
func buildProofs(amounts ...int64) []domain.Proof {
	proofs := make([]domain.Proof, 0, len(amounts))
	for _, a := range amounts {
		proofs = append(proofs, domain.Proof{
			UnitID:     "009a1f293253e41e",
			Amount:     a,
			Secret:     uuid.NewString(),
			Commitment: "02" + uuid.NewString(),
		})
	}
	return proofs
}

// buildTestToken creates a received token input
func buildTestToken(owner string, status domain.TokenStatus, amounts ...int64) CreateTokenInput {
	return CreateTokenInput{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		WalletRef:     testWallet,
		MintRef:       testMint,
		Proofs:        buildProofs(amounts...),
		Status:        status,
		Metadata:      domain.ReceivedMetadata{Sender: "alice"},
		TransactionID: "tx_" + uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
	}
}

// buildLegacyToken creates a legacy melted row holding already-consumed proofs
func buildLegacyToken(owner string, amount int64, createdAt time.Time) *schema.Token {
	proofs := buildProofs(amount)
	return &schema.Token{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		WalletRef:     testWallet,
		MintRef:       testMint,
		Proofs:        datatypes.JSONSlice[domain.Proof](proofs),
		TotalAmount:   amount,
		Status:        domain.TokenStatusMelted,
		Kind:          domain.TokenKindSent,
		Metadata:      datatypes.JSON(`{}`),
		TransactionID: "legacy_" + uuid.NewString(),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func requireCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, domain.CodeOf(err), "unexpected error: %v", err)
}

// =============================================================================
// Token records
// =============================================================================

func testCreateToken(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("stores record with total equal to proof sum", func(t *testing.T) {
		input := buildTestToken("owner-create-1", domain.TokenStatusUnspent, 1, 2, 4, 8)

		token, err := store.CreateToken(ctx, input)
		require.NoError(t, err)
		require.NotNil(t, token)
		assert.Equal(t, int64(15), token.TotalAmount)
		assert.Equal(t, domain.TokenKindReceived, token.Kind)

		got, err := store.GetTokenByID(ctx, input.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, input.TransactionID, got.TransactionID)
		assert.Len(t, got.Proofs, 4)
		assert.Nil(t, got.SpentAt)

		meta, err := got.DecodedMetadata()
		require.NoError(t, err)
		assert.Equal(t, domain.ReceivedMetadata{Sender: "alice"}, meta)
	})

	t.Run("pending record may have zero proofs", func(t *testing.T) {
		input := buildTestToken("owner-create-2", domain.TokenStatusPending)
		input.Metadata = domain.MintedMetadata{QuoteID: "quote-1"}

		token, err := store.CreateToken(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, int64(0), token.TotalAmount)
	})

	t.Run("unspent record without proofs is rejected", func(t *testing.T) {
		input := buildTestToken("owner-create-3", domain.TokenStatusUnspent)
		_, err := store.CreateToken(ctx, input)
		requireCode(t, err, domain.ErrCodeInvariantViolation)
	})

	t.Run("non-positive proof amount is rejected", func(t *testing.T) {
		input := buildTestToken("owner-create-4", domain.TokenStatusUnspent, 10)
		input.Proofs[0].Amount = 0
		_, err := store.CreateToken(ctx, input)
		requireCode(t, err, domain.ErrCodeInvariantViolation)
	})

	t.Run("change record without parent transaction id is rejected", func(t *testing.T) {
		input := buildTestToken("owner-create-5", domain.TokenStatusUnspent, 10)
		input.Metadata = domain.ChangeMetadata{OperationHash: "abc"}
		_, err := store.CreateToken(ctx, input)
		requireCode(t, err, domain.ErrCodeMissingMetadata)
	})

	t.Run("missing metadata is rejected", func(t *testing.T) {
		input := buildTestToken("owner-create-6", domain.TokenStatusUnspent, 10)
		input.Metadata = nil
		_, err := store.CreateToken(ctx, input)
		requireCode(t, err, domain.ErrCodeMissingMetadata)
	})

	t.Run("legacy status cannot be written", func(t *testing.T) {
		input := buildTestToken("owner-create-7", domain.TokenStatusMelted, 10)
		_, err := store.CreateToken(ctx, input)
		requireCode(t, err, domain.ErrCodeInvariantViolation)
	})

	t.Run("duplicate transaction id is rejected", func(t *testing.T) {
		first := buildTestToken("owner-create-8", domain.TokenStatusUnspent, 10)
		_, err := store.CreateToken(ctx, first)
		require.NoError(t, err)

		second := buildTestToken("owner-create-8", domain.TokenStatusUnspent, 20)
		second.TransactionID = first.TransactionID
		_, err = store.CreateToken(ctx, second)
		requireCode(t, err, domain.ErrCodeDuplicateTransactionID)
	})
}

func testDoubleIssuance(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("secret held by an unspent record cannot be stored again", func(t *testing.T) {
		first := buildTestToken("owner-di-1", domain.TokenStatusUnspent, 64)
		_, err := store.CreateToken(ctx, first)
		require.NoError(t, err)

		second := buildTestToken("owner-di-2", domain.TokenStatusUnspent, 32)
		second.Proofs = append(second.Proofs, first.Proofs[0])
		_, err = store.CreateToken(ctx, second)
		requireCode(t, err, domain.ErrCodeDoubleIssuance)

		got, err := store.GetTokenByID(ctx, second.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("secret repeated within one record is rejected", func(t *testing.T) {
		input := buildTestToken("owner-di-3", domain.TokenStatusUnspent, 8, 8)
		input.Proofs[1].Secret = input.Proofs[0].Secret
		_, err := store.CreateToken(ctx, input)
		requireCode(t, err, domain.ErrCodeDoubleIssuance)
	})

	t.Run("secret of a spent record may be stored again", func(t *testing.T) {
		first := buildTestToken("owner-di-4", domain.TokenStatusUnspent, 16)
		_, err := store.CreateToken(ctx, first)
		require.NoError(t, err)

		n, err := store.MarkTokensSpent(ctx, MarkSpentInput{TokenIDs: []string{first.ID}, SpentAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		second := buildTestToken("owner-di-4", domain.TokenStatusPending, 16)
		second.Metadata = domain.SentMetadata{Recipient: "bob"}
		second.Proofs = first.Proofs
		_, err = store.CreateToken(ctx, second)
		require.NoError(t, err)
	})

	t.Run("active secrets lookup ignores spent records", func(t *testing.T) {
		live := buildTestToken("owner-di-5", domain.TokenStatusUnspent, 4)
		_, err := store.CreateToken(ctx, live)
		require.NoError(t, err)

		spent := buildTestToken("owner-di-5", domain.TokenStatusUnspent, 2)
		_, err = store.CreateToken(ctx, spent)
		require.NoError(t, err)
		_, err = store.MarkTokensSpent(ctx, MarkSpentInput{TokenIDs: []string{spent.ID}, SpentAt: time.Now().UTC()})
		require.NoError(t, err)

		active, err := store.FindActiveSecrets(ctx, []string{live.Proofs[0].Secret, spent.Proofs[0].Secret, "unknown"})
		require.NoError(t, err)
		assert.Equal(t, []string{live.Proofs[0].Secret}, active)
	})
}

func testBalances(t *testing.T, store Store) {
	ctx := context.Background()
	owner := "owner-balance"

	for _, amounts := range [][]int64{{1000}, {2000}, {5000}} {
		_, err := store.CreateToken(ctx, buildTestToken(owner, domain.TokenStatusUnspent, amounts...))
		require.NoError(t, err)
	}
	pending := buildTestToken(owner, domain.TokenStatusPending, 300)
	_, err := store.CreateToken(ctx, pending)
	require.NoError(t, err)

	other := buildTestToken(owner, domain.TokenStatusUnspent, 7)
	other.MintRef = "https://other-mint.example.com"
	_, err = store.CreateToken(ctx, other)
	require.NoError(t, err)

	_, err = store.CreateToken(ctx, buildTestToken("someone-else", domain.TokenStatusUnspent, 99))
	require.NoError(t, err)

	t.Run("filters by status", func(t *testing.T) {
		total, err := store.GetBalance(ctx, BalanceFilter{OwnerID: owner, Statuses: []domain.TokenStatus{domain.TokenStatusUnspent}})
		require.NoError(t, err)
		assert.Equal(t, int64(8007), total)
	})

	t.Run("filters by mint", func(t *testing.T) {
		total, err := store.GetBalance(ctx, BalanceFilter{OwnerID: owner, MintRef: testMint})
		require.NoError(t, err)
		assert.Equal(t, int64(8300), total)
	})

	t.Run("groups by status", func(t *testing.T) {
		byStatus, err := store.GetBalancesByStatus(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, int64(8007), byStatus[domain.TokenStatusUnspent])
		assert.Equal(t, int64(300), byStatus[domain.TokenStatusPending])
		assert.Equal(t, int64(0), byStatus[domain.TokenStatusSpent])
	})

	t.Run("unknown owner has zero balance", func(t *testing.T) {
		total, err := store.GetBalance(ctx, BalanceFilter{OwnerID: "nobody"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})
}

func testFindUnspent(t *testing.T, store Store) {
	ctx := context.Background()
	owner := "owner-find"

	for _, a := range []int64{5000, 1000, 2000} {
		_, err := store.CreateToken(ctx, buildTestToken(owner, domain.TokenStatusUnspent, a))
		require.NoError(t, err)
	}
	_, err := store.CreateToken(ctx, buildTestToken(owner, domain.TokenStatusPending, 1))
	require.NoError(t, err)

	tokens, err := store.FindUnspent(ctx, owner, "")
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, int64(1000), tokens[0].TotalAmount)
	assert.Equal(t, int64(2000), tokens[1].TotalAmount)
	assert.Equal(t, int64(5000), tokens[2].TotalAmount)

	pending, err := store.FindPending(ctx, owner, testMint)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testMarkTokensSpent(t *testing.T, store Store) {
	ctx := context.Background()
	owner := "owner-spend"

	a := buildTestToken(owner, domain.TokenStatusUnspent, 10)
	b := buildTestToken(owner, domain.TokenStatusUnspent, 20)
	for _, in := range []CreateTokenInput{a, b} {
		_, err := store.CreateToken(ctx, in)
		require.NoError(t, err)
	}

	spentAt := time.Now().UTC().Truncate(time.Microsecond)
	n, err := store.MarkTokensSpent(ctx, MarkSpentInput{
		TokenIDs:      []string{a.ID},
		SpentAt:       spentAt,
		TransactionID: "melt_0123456789",
		OperationHash: "hash-spend",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	t.Run("already spent records are not counted", func(t *testing.T) {
		n, err := store.MarkTokensSpent(ctx, MarkSpentInput{TokenIDs: []string{a.ID, b.ID}, SpentAt: time.Now().UTC()})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("spent_at is kept from the first transition", func(t *testing.T) {
		got, err := store.GetTokenByID(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.SpentAt)
		assert.WithinDuration(t, spentAt, *got.SpentAt, time.Millisecond)
		assert.Equal(t, domain.TokenStatusSpent, got.Status)
	})

	t.Run("melt transaction id counts as used", func(t *testing.T) {
		exists, err := store.TransactionIDExists(ctx, "melt_0123456789")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.TransactionIDExists(ctx, "melt_unused_id")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("operation hash is found on spent sources", func(t *testing.T) {
		found, err := store.FindTokenByOperationHash(ctx, owner, "hash-spend", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, a.ID, found.ID)

		found, err = store.FindTokenByOperationHash(ctx, "other-owner", "hash-spend", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Nil(t, found)

		found, err = store.FindTokenByOperationHash(ctx, owner, "hash-spend", time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func testChangeRecordLookup(t *testing.T, store Store) {
	ctx := context.Background()
	owner := "owner-change"

	input := buildTestToken(owner, domain.TokenStatusUnspent, 250)
	input.TransactionID = "melt_change_lookup_keep"
	input.Metadata = domain.ChangeMetadata{
		ParentTransactionID: "melt_change_lookup",
		OperationHash:       "hash-change",
		Source:              domain.ChangeSourceKeep,
	}
	_, err := store.CreateToken(ctx, input)
	require.NoError(t, err)

	found, err := store.FindTokenByOperationHash(ctx, owner, "hash-change", time.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.TokenKindChange, found.Kind)

	exists, err := store.TransactionIDExists(ctx, "melt_change_lookup")
	require.NoError(t, err)
	assert.True(t, exists)

	byTx, err := store.GetTokenByTransactionID(ctx, "melt_change_lookup_keep")
	require.NoError(t, err)
	require.NotNil(t, byTx)
	assert.Equal(t, input.ID, byTx.ID)
}

func testUpdateTokenStatus(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("pending to spent sets spent_at", func(t *testing.T) {
		input := buildTestToken("owner-status-1", domain.TokenStatusPending, 10)
		_, err := store.CreateToken(ctx, input)
		require.NoError(t, err)

		ok, err := store.UpdateTokenStatus(ctx, input.ID, domain.TokenStatusPending, domain.TokenStatusSpent, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetTokenByID(ctx, input.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TokenStatusSpent, got.Status)
		assert.NotNil(t, got.SpentAt)
	})

	t.Run("stale from status does not update", func(t *testing.T) {
		input := buildTestToken("owner-status-2", domain.TokenStatusUnspent, 10)
		_, err := store.CreateToken(ctx, input)
		require.NoError(t, err)

		ok, err := store.UpdateTokenStatus(ctx, input.ID, domain.TokenStatusPending, domain.TokenStatusUnspent, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid transitions are rejected", func(t *testing.T) {
		for _, tr := range [][2]domain.TokenStatus{
			{domain.TokenStatusUnspent, domain.TokenStatusPending},
			{domain.TokenStatusSpent, domain.TokenStatusUnspent},
			{domain.TokenStatusSpent, domain.TokenStatusPending},
		} {
			_, err := store.UpdateTokenStatus(ctx, uuid.NewString(), tr[0], tr[1], time.Now())
			requireCode(t, err, domain.ErrCodeInvalidStatusTransition)
		}
	})
}

func testStalePending(t *testing.T, store Store) {
	ctx := context.Background()

	old := buildTestToken("owner-stale", domain.TokenStatusPending, 10)
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	_, err := store.CreateToken(ctx, old)
	require.NoError(t, err)

	fresh := buildTestToken("owner-stale", domain.TokenStatusPending, 20)
	_, err = store.CreateToken(ctx, fresh)
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-time.Hour)
	stale, err := store.GetStalePendingTokens(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	count, err := store.CountStalePendingTokens(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	t.Run("recovery failed marker hides the record", func(t *testing.T) {
		require.NoError(t, store.SetRecoveryState(ctx, old.ID, schema.RecoveryStateFailed))

		count, err := store.CountStalePendingTokens(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)

		got, err := store.GetTokenByID(ctx, old.ID)
		require.NoError(t, err)
		require.NotNil(t, got.RecoveryState)
		assert.Equal(t, schema.RecoveryStateFailed, *got.RecoveryState)
		assert.Equal(t, domain.TokenStatusPending, got.Status)
	})

	t.Run("unknown record", func(t *testing.T) {
		err := store.SetRecoveryState(ctx, uuid.NewString(), schema.RecoveryStateFailed)
		assert.True(t, errors.Is(err, domain.ErrTokenNotFound))
	})
}

// =============================================================================
// Migration support
// =============================================================================

func testStatusCorrection(t *testing.T, store Store, seed seedFunc) {
	ctx := context.Background()
	createdAt := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Microsecond)

	legacyA := buildLegacyToken("owner-legacy-1", 300, createdAt)
	legacyB := buildLegacyToken("owner-legacy-2", 700, createdAt)
	spentAt := createdAt.Add(time.Hour)
	legacyB.SpentAt = &spentAt
	seed(t, store, legacyA)
	seed(t, store, legacyB)

	snapshot, err := store.SnapshotTokensByStatus(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	impact, err := store.GetStatusImpactByOwner(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Equal(t, OwnerImpact{Tokens: 1, Amount: 300}, impact["owner-legacy-1"])
	assert.Equal(t, OwnerImpact{Tokens: 1, Amount: 700}, impact["owner-legacy-2"])

	n, err := store.CorrectTokenStatus(ctx, domain.TokenStatusMelted, domain.TokenStatusSpent, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := store.CountTokensByStatus(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)

	gotA, err := store.GetTokenByID(ctx, legacyA.ID)
	require.NoError(t, err)
	require.NotNil(t, gotA.SpentAt)
	assert.WithinDuration(t, createdAt, *gotA.SpentAt, time.Millisecond)

	restored, err := store.RestoreTokenStates(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored)

	gotA, err = store.GetTokenByID(ctx, legacyA.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusMelted, gotA.Status)
	assert.Nil(t, gotA.SpentAt)

	gotB, err := store.GetTokenByID(ctx, legacyB.ID)
	require.NoError(t, err)
	require.NotNil(t, gotB.SpentAt)
	assert.WithinDuration(t, spentAt, *gotB.SpentAt, time.Millisecond)
}

func testMigrationState(t *testing.T, store Store) {
	ctx := context.Background()
	name := "test-migration-" + uuid.NewString()

	created, existing, err := store.CreateMigrationState(ctx, &schema.MigrationState{
		Name:    name,
		Version: 1,
		Status:  schema.MigrationStatusPending,
	})
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, existing)

	t.Run("second create returns the existing row", func(t *testing.T) {
		created, existing, err := store.CreateMigrationState(ctx, &schema.MigrationState{
			Name:    name,
			Version: 1,
			Status:  schema.MigrationStatusRunning,
		})
		require.NoError(t, err)
		assert.False(t, created)
		require.NotNil(t, existing)
		assert.Equal(t, schema.MigrationStatusPending, existing.Status)
	})

	t.Run("only one claim wins", func(t *testing.T) {
		won, err := store.ClaimMigrationState(ctx, name, 1, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, won)

		won, err = store.ClaimMigrationState(ctx, name, 1, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("release frees only a stale running claim", func(t *testing.T) {
		released, err := store.ReleaseMigrationState(ctx, name, time.Now().UTC().Add(-time.Hour), "stale")
		require.NoError(t, err)
		assert.False(t, released)

		released, err = store.ReleaseMigrationState(ctx, name, time.Now().UTC().Add(time.Minute), "process exited mid-run")
		require.NoError(t, err)
		assert.True(t, released)

		state, err := store.GetMigrationState(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, schema.MigrationStatusFailed, state.Status)
		require.NotNil(t, state.Error)
		assert.Equal(t, "process exited mid-run", *state.Error)

		released, err = store.ReleaseMigrationState(ctx, name, time.Now().UTC().Add(time.Minute), "again")
		require.NoError(t, err)
		assert.False(t, released)

		won, err := store.ClaimMigrationState(ctx, name, 1, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("update records completion and snapshot", func(t *testing.T) {
		snapshot, err := json.Marshal([]TokenStateSnapshot{{ID: uuid.NewString(), Status: domain.TokenStatusMelted}})
		require.NoError(t, err)
		completedAt := time.Now().UTC()
		affected := int64(1)

		err = store.UpdateMigrationState(ctx, name, MigrationStateUpdate{
			Status:         schema.MigrationStatusCompleted,
			CompletedAt:    &completedAt,
			AffectedCount:  &affected,
			BackupSnapshot: snapshot,
		})
		require.NoError(t, err)

		state, err := store.GetMigrationState(ctx, name)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, schema.MigrationStatusCompleted, state.Status)
		assert.Equal(t, int64(1), state.AffectedCount)
		assert.NotNil(t, state.CompletedAt)
		assert.JSONEq(t, string(snapshot), string(state.BackupSnapshot))
	})

	t.Run("completed state cannot be claimed", func(t *testing.T) {
		won, err := store.ClaimMigrationState(ctx, name, 1, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, won)
	})

	t.Run("missing state", func(t *testing.T) {
		state, err := store.GetMigrationState(ctx, "never-registered")
		require.NoError(t, err)
		assert.Nil(t, state)

		err = store.UpdateMigrationState(ctx, "never-registered", MigrationStateUpdate{Status: schema.MigrationStatusFailed})
		assert.True(t, errors.Is(err, domain.ErrMigrationStateNotFound))
	})
}

// =============================================================================
// Journal
// =============================================================================

func testJournal(t *testing.T, store Store) {
	ctx := context.Background()
	owner := "owner-journal"
	tokenID := uuid.NewString()

	require.NoError(t, store.AppendJournal(ctx, CreateJournalEntryInput{
		OwnerID:        owner,
		TokenID:        &tokenID,
		EntryType:      schema.JournalEntryTypeReconciliationAction,
		Classification: "DB_PENDING_MINT_SPENT",
		Severity:       schema.SeverityMedium,
		Resolved:       true,
		Meta:           map[string]any{"secret": "abcdefgh..."},
		CreatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, store.AppendJournal(ctx, CreateJournalEntryInput{
		OwnerID:        owner,
		EntryType:      schema.JournalEntryTypeDiscrepancy,
		Classification: "DB_UNSPENT_MINT_SPENT",
		Severity:       schema.SeverityHigh,
		CreatedAt:      time.Now().UTC(),
	}))

	entries, err := store.GetJournal(ctx, JournalFilter{OwnerID: owner})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "DB_UNSPENT_MINT_SPENT", entries[0].Classification)
	assert.True(t, entries[1].Resolved)
	assert.NotNil(t, entries[1].ResolvedAt)

	count, err := store.CountUnresolvedJournal(ctx, owner, schema.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	unresolved, err := store.GetJournal(ctx, JournalFilter{OwnerID: owner, UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	require.NoError(t, store.ResolveJournalEntry(ctx, unresolved[0].ID, time.Now().UTC()))

	count, err = store.CountUnresolvedJournal(ctx, owner, schema.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	assert.Error(t, store.ResolveJournalEntry(ctx, 987654321, time.Now().UTC()))
}

// RunStoreTests runs all store tests against the given implementation
func RunStoreTests(t *testing.T, initDB func(t *testing.T) Store, cleanupDB func(t *testing.T), seed seedFunc) {
	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"CreateToken", testCreateToken},
		{"DoubleIssuance", testDoubleIssuance},
		{"Balances", testBalances},
		{"FindUnspent", testFindUnspent},
		{"MarkTokensSpent", testMarkTokensSpent},
		{"ChangeRecordLookup", testChangeRecordLookup},
		{"UpdateTokenStatus", testUpdateTokenStatus},
		{"StalePending", testStalePending},
		{"StatusCorrection", func(t *testing.T, s Store) { testStatusCorrection(t, s, seed) }},
		{"MigrationState", testMigrationState},
		{"Journal", testJournal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := initDB(t)
			defer cleanupDB(t)
			tt.fn(t, store)
		})
	}
}
