package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/migration"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

func meltedToken(owner string, amount int64) *schema.Token {
	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return &schema.Token{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		WalletRef: "wallet-1",
		MintRef:   "https://mint.example.com",
		Proofs: datatypes.JSONSlice[domain.Proof]{
			{UnitID: "00ad268c4d1f5826", Amount: amount, Secret: uuid.NewString(), Commitment: "02ab"},
		},
		TotalAmount:   amount,
		Status:        domain.TokenStatusMelted,
		Kind:          domain.TokenKindSent,
		Metadata:      datatypes.JSON(`{}`),
		TransactionID: "legacy_" + uuid.NewString(),
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func setupCLI(t *testing.T, format string, tokens ...*schema.Token) (store.Store, func(args ...string) (string, error)) {
	st := store.NewMemoryStoreWithTokens(tokens...)
	clock := adapter.NewClock()
	alerter := &alert.NoopAlerter{}
	engine := migration.NewEngine(st, migration.DefaultRegistry(), monitoring.NewMonitor(monitoring.DefaultConfig(), st, alerter, clock), alerter, clock)

	open := func(_ context.Context, _ *RootOptions) (MigrationRunner, func(), error) {
		return engine, func() {}, nil
	}

	run := func(args ...string) (string, error) {
		buf := &bytes.Buffer{}
		cmd := NewRootCommand(open)
		cmd.SetOut(buf)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--format", format}, args...))
		err := cmd.Execute()
		return buf.String(), err
	}
	return st, run
}

func TestList(t *testing.T) {
	_, run := setupCLI(t, "text")

	out, err := run("list")
	require.NoError(t, err)
	assert.Contains(t, out, migration.FixMeltedStatusName+" (v1)")
}

func TestPreviewJSON(t *testing.T) {
	_, run := setupCLI(t, "json", meltedToken("alice", 100), meltedToken("alice", 50), meltedToken("bob", 8))

	out, err := run("preview", migration.FixMeltedStatusName)
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   migration.Preview `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(3), resp.Data.TokensToMigrate)
	assert.Equal(t, int64(158), resp.Data.AmountToMigrate)
	assert.Equal(t, 2, resp.Data.OwnersAffected)
	assert.Equal(t, int64(150), resp.Data.ByOwner["alice"].Amount)
}

func TestUpRequiresConfirm(t *testing.T) {
	st, run := setupCLI(t, "text", meltedToken("alice", 100))

	out, err := run("up", migration.FixMeltedStatusName)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "1 tokens, amount 100")

	count, err := st.CountTokensByStatus(context.Background(), domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpThenDown(t *testing.T) {
	st, run := setupCLI(t, "text", meltedToken("alice", 100), meltedToken("bob", 20))
	ctx := context.Background()

	out, err := run("up", migration.FixMeltedStatusName, "--confirm")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")

	count, err := st.CountTokensByStatus(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Zero(t, count)

	out, err = run("status", migration.FixMeltedStatusName)
	require.NoError(t, err)
	assert.Contains(t, out, "affected 2, remaining 0, backup true")

	_, err = run("down", migration.FixMeltedStatusName)
	require.Error(t, err)

	out, err = run("down", migration.FixMeltedStatusName, "--confirm")
	require.NoError(t, err)
	assert.Contains(t, out, "rolled_back")

	count, err = st.CountTokensByStatus(ctx, domain.TokenStatusMelted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestReset(t *testing.T) {
	st, run := setupCLI(t, "text", meltedToken("alice", 100))
	ctx := context.Background()

	_, _, err := st.CreateMigrationState(ctx, &schema.MigrationState{
		Name:    migration.FixMeltedStatusName,
		Version: 1,
		Status:  schema.MigrationStatusPending,
	})
	require.NoError(t, err)
	claimed, err := st.ClaimMigrationState(ctx, migration.FixMeltedStatusName, 1, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = run("reset", migration.FixMeltedStatusName)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = run("reset", migration.FixMeltedStatusName, "--confirm")
	require.Error(t, err)

	out, err := run("reset", migration.FixMeltedStatusName, "--confirm", "--stale-after", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "last error: reset after running longer than 10m0s")

	out, err = run("up", migration.FixMeltedStatusName, "--confirm")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
}

func TestUnknownMigration(t *testing.T) {
	_, run := setupCLI(t, "json")

	out, err := run("status", "no-such-migration")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"status":"error"`)
}

func TestInvalidFormat(t *testing.T) {
	_, run := setupCLI(t, "yaml")

	_, err := run("list")
	require.Error(t, err)
}

func TestOpenFailure(t *testing.T) {
	cmd := NewRootCommand(func(context.Context, *RootOptions) (MigrationRunner, func(), error) {
		return nil, nil, errors.New("connection refused")
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
