package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/mocks"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

func TestValidateTransactionIDFormat(t *testing.T) {
	tests := []struct {
		name string
		id   string
		code domain.ErrorCode
	}{
		{"empty", "", domain.ErrCodeInvalidFormat},
		{"blank", "            ", domain.ErrCodeInvalidFormat},
		{"too short", "melt_1", domain.ErrCodeInvalidLength},
		{"too long", strings.Repeat("x", 101), domain.ErrCodeInvalidLength},
		{"min length", strings.Repeat("x", 10), ""},
		{"max length", strings.Repeat("x", 100), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransactionIDFormat(tt.id)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}
}

func TestGuard_ValidateTransactionID_Duplicate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	guard := NewGuard(adapter.NewJCS(), adapter.NewClock(), 0)

	token := createUnspent(t, st, testOwner, 100)

	err := guard.ValidateTransactionID(ctx, st, token.TransactionID)
	assert.Equal(t, domain.ErrCodeDuplicateTransactionID, domain.CodeOf(err))

	assert.NoError(t, guard.ValidateTransactionID(ctx, st, "tx_never_used_before"))
}

func TestGuard_OperationHash(t *testing.T) {
	guard := NewGuard(adapter.NewJCS(), adapter.NewClock(), 0)

	base := OperationParams{
		OwnerID:        testOwner,
		MintRef:        testMint,
		Amount:         1000,
		SourceTokenIDs: []string{"b", "a", "c"},
		OperationType:  OperationTypeMelt,
	}
	h1, err := guard.OperationHash(base)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	t.Run("source order does not matter", func(t *testing.T) {
		p := base
		p.SourceTokenIDs = []string{"c", "a", "b"}
		h, err := guard.OperationHash(p)
		require.NoError(t, err)
		assert.Equal(t, h1, h)
	})

	t.Run("input slice is not reordered", func(t *testing.T) {
		ids := []string{"z", "y"}
		p := base
		p.SourceTokenIDs = ids
		_, err := guard.OperationHash(p)
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "y"}, ids)
	})

	t.Run("amount changes the hash", func(t *testing.T) {
		p := base
		p.Amount = 1001
		h, err := guard.OperationHash(p)
		require.NoError(t, err)
		assert.NotEqual(t, h1, h)
	})

	t.Run("owner changes the hash", func(t *testing.T) {
		p := base
		p.OwnerID = "owner-2"
		h, err := guard.OperationHash(p)
		require.NoError(t, err)
		assert.NotEqual(t, h1, h)
	})
}

func TestGuard_OperationHash_CanonicalizeError(t *testing.T) {
	ctrl := gomock.NewController(t)
	jcs := mocks.NewMockJCS(ctrl)
	jcs.EXPECT().Transform(gomock.Any()).Return(nil, errors.New("bad json"))

	guard := NewGuard(jcs, adapter.NewClock(), 0)
	_, err := guard.OperationHash(OperationParams{OwnerID: testOwner, MintRef: testMint, Amount: 1, OperationType: OperationTypeMelt})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to canonicalize")
}

func TestGuard_CheckDuplicate_Window(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	clock := mocks.NewMockClock(ctrl)

	st := store.NewMemoryStore()
	source := createUnspent(t, st, testOwner, 500)

	now := time.Now().UTC()
	_, err := st.MarkTokensSpent(ctx, store.MarkSpentInput{
		TokenIDs:      []string{source.ID},
		SpentAt:       now,
		TransactionID: "melt_original_01",
		OperationHash: "hash-a",
	})
	require.NoError(t, err)

	guard := NewGuard(adapter.NewJCS(), clock, 5*time.Minute)

	clock.EXPECT().Now().Return(now.Add(time.Minute))
	err = guard.CheckDuplicate(ctx, st, testOwner, "hash-a")
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeDuplicateOperation, domain.CodeOf(err))
	assert.Contains(t, err.Error(), "melt_original_01")

	clock.EXPECT().Now().Return(now.Add(6 * time.Minute))
	assert.NoError(t, guard.CheckDuplicate(ctx, st, testOwner, "hash-a"))

	clock.EXPECT().Now().Return(now.Add(time.Minute))
	assert.NoError(t, guard.CheckDuplicate(ctx, st, "owner-2", "hash-a"))
}

func TestGuard_CheckSourcesUnspent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	guard := NewGuard(adapter.NewJCS(), adapter.NewClock(), 0)

	a := createUnspent(t, st, testOwner, 100)
	b := createUnspent(t, st, testOwner, 200)
	other := createUnspent(t, st, "owner-2", 300)

	tokens, err := guard.CheckSourcesUnspent(ctx, st, testOwner, []string{b.ID, a.ID})
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, b.ID, tokens[0].ID)

	_, err = guard.CheckSourcesUnspent(ctx, st, testOwner, []string{a.ID, other.ID})
	assert.Equal(t, domain.ErrCodeNotFound, domain.CodeOf(err))

	_, err = st.MarkTokensSpent(ctx, store.MarkSpentInput{TokenIDs: []string{a.ID}, SpentAt: time.Now().UTC(), TransactionID: "melt_other_001"})
	require.NoError(t, err)

	_, err = guard.CheckSourcesUnspent(ctx, st, testOwner, []string{a.ID, b.ID})
	assert.Equal(t, domain.ErrCodeConcurrentOperation, domain.CodeOf(err))
}
