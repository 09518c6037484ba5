package monitoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/mocks"
	"github.com/feral-file/ff-ecash-ledger/internal/monitoring"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

func TestMonitor_Rates(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clock := mocks.NewMockClock(ctrl)
	clock.EXPECT().Now().Return(time.Now()).AnyTimes()
	clock.EXPECT().Since(gomock.Any()).Return(10 * time.Millisecond).AnyTimes()

	m := monitoring.NewMonitor(monitoring.DefaultConfig(), store.NewMemoryStore(), &alert.NoopAlerter{}, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Track(monitoring.CategoryMelt, func() error { return nil }))
	}
	err := m.Track(monitoring.CategoryMelt, func() error {
		return domain.NewError(domain.ErrCodeConcurrentOperation, "lost race")
	})
	require.Error(t, err)

	s := m.Stats(monitoring.CategoryMelt)
	assert.Equal(t, int64(4), s.Attempts)
	assert.Equal(t, int64(3), s.Successes)
	assert.Equal(t, int64(1), s.Failures)
	assert.InDelta(t, 0.75, s.SuccessRate, 1e-9)
	assert.InDelta(t, 0.25, s.FailureRate, 1e-9)

	assert.Equal(t, monitoring.Stats{}, m.Stats(monitoring.CategoryMigration))
}

func TestMonitor_CheckHealth(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("healthy when below thresholds", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		clock := mocks.NewMockClock(ctrl)
		clock.EXPECT().Now().Return(now).AnyTimes()
		alerter := mocks.NewMockAlerter(ctrl)

		m := monitoring.NewMonitor(monitoring.DefaultConfig(), store.NewMemoryStore(), alerter, clock)
		for i := 0; i < 20; i++ {
			m.RecordAttempt(monitoring.CategoryMelt)
			m.RecordSuccess(monitoring.CategoryMelt)
		}
		m.RecordAttempt(monitoring.CategoryMelt)
		m.RecordFailure(monitoring.CategoryMelt, errors.New("boom"))

		report, err := m.CheckHealth(ctx)
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.Empty(t, report.HighFailureRate)
	})

	t.Run("failure rate at threshold alerts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		clock := mocks.NewMockClock(ctrl)
		clock.EXPECT().Now().Return(now).AnyTimes()
		alerter := mocks.NewMockAlerter(ctrl)
		alerter.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a alert.Alert) error {
			assert.Equal(t, alert.TypeHighFailureRate, a.Type)
			assert.Equal(t, "recovery", a.Fields["category"])
			return nil
		})

		m := monitoring.NewMonitor(monitoring.DefaultConfig(), store.NewMemoryStore(), alerter, clock)
		for i := 0; i < 9; i++ {
			m.RecordAttempt(monitoring.CategoryRecovery)
			m.RecordSuccess(monitoring.CategoryRecovery)
		}
		m.RecordAttempt(monitoring.CategoryRecovery)
		m.RecordFailure(monitoring.CategoryRecovery, errors.New("boom"))

		report, err := m.CheckHealth(ctx)
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.Equal(t, []monitoring.Category{monitoring.CategoryRecovery}, report.HighFailureRate)
	})

	t.Run("too few attempts are not judged", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		clock := mocks.NewMockClock(ctrl)
		clock.EXPECT().Now().Return(now).AnyTimes()
		alerter := mocks.NewMockAlerter(ctrl)

		m := monitoring.NewMonitor(monitoring.DefaultConfig(), store.NewMemoryStore(), alerter, clock)
		m.RecordAttempt(monitoring.CategoryMelt)
		m.RecordFailure(monitoring.CategoryMelt, errors.New("boom"))

		report, err := m.CheckHealth(ctx)
		require.NoError(t, err)
		assert.True(t, report.Healthy)
	})

	t.Run("stale pending records alert", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		st := store.NewMemoryStore()
		_, err := st.CreateToken(ctx, store.CreateTokenInput{
			ID:            uuid.NewString(),
			OwnerID:       "owner-1",
			WalletRef:     "wallet-1",
			MintRef:       "https://mint.example.com",
			Status:        domain.TokenStatusPending,
			Metadata:      domain.MintedMetadata{QuoteID: "q-1"},
			TransactionID: "mint_0000000001",
			CreatedAt:     now.Add(-2 * time.Hour),
		})
		require.NoError(t, err)

		clock := mocks.NewMockClock(ctrl)
		clock.EXPECT().Now().Return(now).AnyTimes()
		alerter := mocks.NewMockAlerter(ctrl)
		alerter.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a alert.Alert) error {
			assert.Equal(t, alert.TypeStalePending, a.Type)
			assert.Equal(t, "1", a.Fields["count"])
			return nil
		})

		m := monitoring.NewMonitor(monitoring.DefaultConfig(), st, alerter, clock)
		report, err := m.CheckHealth(ctx)
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.Equal(t, int64(1), report.StalePendingCount)
	})
}
