package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/mocks"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

var legacyTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func legacyToken(owner string, amount int64, status domain.TokenStatus, spentAt *time.Time) *schema.Token {
	return &schema.Token{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		WalletRef: "wallet-1",
		MintRef:   "https://mint.example.com",
		Proofs: datatypes.JSONSlice[domain.Proof]{
			{UnitID: "00ad268c4d1f5826", Amount: amount, Secret: uuid.NewString(), Commitment: "02ab"},
		},
		TotalAmount:   amount,
		Status:        status,
		Kind:          domain.TokenKindSent,
		Metadata:      datatypes.JSON(`{}`),
		TransactionID: "legacy_" + uuid.NewString(),
		CreatedAt:     legacyTime,
		UpdatedAt:     legacyTime,
		SpentAt:       spentAt,
	}
}

type testEngine struct {
	engine  *Engine
	store   store.Store
	alerter *mocks.MockAlerter
}

func setupTestEngine(t *testing.T, registry *Registry, tokens ...*schema.Token) *testEngine {
	ctrl := gomock.NewController(t)
	st := store.NewMemoryStoreWithTokens(tokens...)
	alerter := mocks.NewMockAlerter(ctrl)
	clock := adapter.NewClock()
	monitor := monitoring.NewMonitor(monitoring.DefaultConfig(), st, alerter, clock)
	return &testEngine{
		engine:  NewEngine(st, registry, monitor, alerter, clock),
		store:   st,
		alerter: alerter,
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	m, err := r.Get(FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Version())

	_, err = r.Get("no-such-migration")
	assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))

	names := make([]string, 0)
	for _, m := range r.List() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{FixMeltedStatusName}, names)
}

func TestEngine_PreviewDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	spentAt := legacyTime.Add(time.Hour)
	te := setupTestEngine(t, DefaultRegistry(),
		legacyToken("owner-a", 300, domain.TokenStatusMelted, nil),
		legacyToken("owner-b", 700, domain.TokenStatusMelted, &spentAt),
		legacyToken("owner-a", 50, domain.TokenStatusSpent, &spentAt),
	)

	preview, err := te.engine.Preview(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, int64(2), preview.TokensToMigrate)
	assert.Equal(t, int64(1000), preview.AmountToMigrate)
	assert.Equal(t, 2, preview.OwnersAffected)

	count, err := te.store.CountTokensByStatus(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	state, err := te.store.GetMigrationState(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestEngine_StatusNeverRun(t *testing.T) {
	te := setupTestEngine(t, DefaultRegistry(), legacyToken("owner-a", 10, domain.TokenStatusMelted, nil))

	status, err := te.engine.Status(context.Background(), FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, schema.MigrationStatusPending, status.Status)
	assert.Equal(t, int64(1), status.Remaining)
	assert.False(t, status.HasBackup)

	_, err = te.engine.Status(context.Background(), "no-such-migration")
	assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))
}

func TestEngine_UpThenDown(t *testing.T) {
	ctx := context.Background()
	spentAt := legacyTime.Add(time.Hour)
	noSpentAt := legacyToken("owner-a", 300, domain.TokenStatusMelted, nil)
	withSpentAt := legacyToken("owner-b", 700, domain.TokenStatusMelted, &spentAt)
	correct := legacyToken("owner-a", 50, domain.TokenStatusSpent, &spentAt)
	te := setupTestEngine(t, DefaultRegistry(), noSpentAt, withSpentAt, correct)

	result, err := te.engine.Up(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, schema.MigrationStatusCompleted, result.Status)
	assert.Equal(t, int64(2), result.AffectedCount)

	for _, id := range []string{noSpentAt.ID, withSpentAt.ID, correct.ID} {
		token, err := te.store.GetTokenByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TokenStatusSpent, token.Status)
		require.NotNil(t, token.SpentAt)
	}
	kept, err := te.store.GetTokenByID(ctx, withSpentAt.ID)
	require.NoError(t, err)
	assert.True(t, spentAt.Equal(*kept.SpentAt), "existing spent_at must be preserved")

	status, err := te.engine.Status(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, schema.MigrationStatusCompleted, status.Status)
	assert.Equal(t, int64(0), status.Remaining)
	assert.Equal(t, int64(2), status.AffectedCount)
	assert.True(t, status.HasBackup)

	_, err = te.engine.Up(ctx, FixMeltedStatusName)
	assert.Equal(t, domain.ErrCodeMigrationAlreadyCompleted, domain.CodeOf(err))

	result, err = te.engine.Down(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, schema.MigrationStatusRolledBack, result.Status)
	assert.Equal(t, int64(2), result.AffectedCount)

	restored, err := te.store.GetTokenByID(ctx, noSpentAt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusMelted, restored.Status)
	assert.Nil(t, restored.SpentAt)

	restored, err = te.store.GetTokenByID(ctx, withSpentAt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusMelted, restored.Status)
	require.NotNil(t, restored.SpentAt)
	assert.True(t, spentAt.Equal(*restored.SpentAt))

	untouched, err := te.store.GetTokenByID(ctx, correct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusSpent, untouched.Status)

	// A rolled back migration may be applied again
	result, err = te.engine.Up(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.AffectedCount)
}

func TestEngine_UpWithNothingToMigrate(t *testing.T) {
	ctx := context.Background()
	spentAt := legacyTime
	te := setupTestEngine(t, DefaultRegistry(), legacyToken("owner-a", 50, domain.TokenStatusSpent, &spentAt))

	result, err := te.engine.Up(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.AffectedCount)

	status, err := te.engine.Status(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.True(t, status.HasBackup)

	result, err = te.engine.Down(ctx, FixMeltedStatusName)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.AffectedCount)
}

func TestEngine_DownRequiresCompleted(t *testing.T) {
	te := setupTestEngine(t, DefaultRegistry(), legacyToken("owner-a", 10, domain.TokenStatusMelted, nil))

	_, err := te.engine.Down(context.Background(), FixMeltedStatusName)
	assert.Equal(t, domain.ErrCodeMigrationNotCompleted, domain.CodeOf(err))

	_, err = te.engine.Down(context.Background(), "no-such-migration")
	assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))
}

func TestEngine_UpWhileRunning(t *testing.T) {
	ctx := context.Background()
	te := setupTestEngine(t, DefaultRegistry(), legacyToken("owner-a", 10, domain.TokenStatusMelted, nil))

	_, _, err := te.store.CreateMigrationState(ctx, &schema.MigrationState{
		Name:    FixMeltedStatusName,
		Version: 1,
		Status:  schema.MigrationStatusPending,
	})
	require.NoError(t, err)
	claimed, err := te.store.ClaimMigrationState(ctx, FixMeltedStatusName, 1, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = te.engine.Up(ctx, FixMeltedStatusName)
	assert.Equal(t, domain.ErrCodeMigrationAlreadyRunning, domain.CodeOf(err))

	count, err := te.store.CountTokensByStatus(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEngine_Reset(t *testing.T) {
	ctx := context.Background()

	claim := func(t *testing.T, te *testEngine, startedAt time.Time) {
		_, _, err := te.store.CreateMigrationState(ctx, &schema.MigrationState{
			Name:    FixMeltedStatusName,
			Version: 1,
			Status:  schema.MigrationStatusPending,
		})
		require.NoError(t, err)
		claimed, err := te.store.ClaimMigrationState(ctx, FixMeltedStatusName, 1, startedAt)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	t.Run("stale claim is released and up can run again", func(t *testing.T) {
		te := setupTestEngine(t, DefaultRegistry(), legacyToken("owner-a", 10, domain.TokenStatusMelted, nil))
		claim(t, te, time.Now().Add(-2*time.Hour))

		status, err := te.engine.Reset(ctx, FixMeltedStatusName, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, schema.MigrationStatusFailed, status.Status)
		require.NotNil(t, status.Error)
		assert.Contains(t, *status.Error, "reset after running longer than 1h0m0s")
		assert.Equal(t, int64(1), status.Remaining)

		res, err := te.engine.Up(ctx, FixMeltedStatusName)
		require.NoError(t, err)
		assert.Equal(t, schema.MigrationStatusCompleted, res.Status)
		assert.Equal(t, int64(1), res.AffectedCount)
	})

	t.Run("fresh claim is left running", func(t *testing.T) {
		te := setupTestEngine(t, DefaultRegistry())
		claim(t, te, time.Now())

		_, err := te.engine.Reset(ctx, FixMeltedStatusName, time.Hour)
		assert.Equal(t, domain.ErrCodeMigrationAlreadyRunning, domain.CodeOf(err))

		state, err := te.store.GetMigrationState(ctx, FixMeltedStatusName)
		require.NoError(t, err)
		assert.Equal(t, schema.MigrationStatusRunning, state.Status)
	})

	t.Run("only running migrations reset", func(t *testing.T) {
		te := setupTestEngine(t, DefaultRegistry())

		_, err := te.engine.Reset(ctx, FixMeltedStatusName, 0)
		assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))

		_, err = te.engine.Up(ctx, FixMeltedStatusName)
		require.NoError(t, err)
		_, err = te.engine.Reset(ctx, FixMeltedStatusName, 0)
		assert.Equal(t, domain.ErrCodeInvalidStatusTransition, domain.CodeOf(err))

		_, err = te.engine.Reset(ctx, "no-such-migration", 0)
		assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))
	})
}

// brokenMigration applies the melted correction and then fails
type brokenMigration struct {
	fixMeltedStatus
}

func (brokenMigration) Name() string { return "broken-migration" }

func (m brokenMigration) Apply(ctx context.Context, st store.Store, at time.Time) (int64, error) {
	if _, err := m.fixMeltedStatus.Apply(ctx, st, at); err != nil {
		return 0, err
	}
	return 0, errors.New("disk full")
}

func TestEngine_FailedUpRestoresRecords(t *testing.T) {
	ctx := context.Background()
	token := legacyToken("owner-a", 10, domain.TokenStatusMelted, nil)
	te := setupTestEngine(t, NewRegistry(brokenMigration{}), token)

	te.alerter.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a alert.Alert) error {
		assert.Equal(t, alert.TypeMigrationFailed, a.Type)
		assert.Equal(t, alert.SeverityCritical, a.Severity)
		assert.Equal(t, "broken-migration", a.Fields["name"])
		return nil
	})

	_, err := te.engine.Up(ctx, "broken-migration")
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeMigrationFailed, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "disk full")

	restored, err := te.store.GetTokenByID(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TokenStatusMelted, restored.Status)
	assert.Nil(t, restored.SpentAt)

	status, err := te.engine.Status(ctx, "broken-migration")
	require.NoError(t, err)
	assert.Equal(t, schema.MigrationStatusFailed, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "disk full")
}
