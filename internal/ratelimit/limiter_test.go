package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/golang/mock/gomock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feral-file/ff-ecash-ledger/internal/mocks"
	"github.com/feral-file/ff-ecash-ledger/internal/ratelimit"
)

const mintURL = "https://mint.example.com"

type testLimiterMocks struct {
	redisClient      *mocks.MockRedisClient
	redisRateLimiter *mocks.MockRedisRateLimiter
	clock            *mocks.MockClock
}

func setupDistributed(t *testing.T, redisAvailable bool) (ratelimit.Limiter, *testLimiterMocks) {
	ctrl := gomock.NewController(t)
	m := &testLimiterMocks{
		redisClient:      mocks.NewMockRedisClient(ctrl),
		redisRateLimiter: mocks.NewMockRedisRateLimiter(ctrl),
		clock:            mocks.NewMockClock(ctrl),
	}

	statusCmd := redis.NewStatusCmd(context.Background())
	if redisAvailable {
		statusCmd.SetVal("PONG")
	} else {
		statusCmd.SetErr(errors.New("connection refused"))
	}
	m.redisClient.EXPECT().Ping(gomock.Any()).Return(statusCmd).AnyTimes()
	m.redisClient.EXPECT().NewRateLimiter().Return(m.redisRateLimiter)
	m.redisClient.EXPECT().Close().Return(nil)

	l := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: 100,
		Burst:             100,
		KeyPrefix:         "test:limiter:",
		HealthInterval:    time.Hour,
	}, m.redisClient, m.clock)
	t.Cleanup(func() { _ = l.Close() })
	return l, m
}

func TestDistributed_Allowed(t *testing.T) {
	l, m := setupDistributed(t, true)

	m.redisRateLimiter.EXPECT().
		Allow(gomock.Any(), "test:limiter:"+mintURL, redis_rate.Limit{Rate: 100, Burst: 100, Period: time.Second}).
		Return(&redis_rate.Result{Allowed: 1, Remaining: 99}, nil)

	require.NoError(t, l.Wait(context.Background(), mintURL))
}

func TestDistributed_RetriesAfterDenied(t *testing.T) {
	l, m := setupDistributed(t, true)

	gomock.InOrder(
		m.redisRateLimiter.EXPECT().
			Allow(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&redis_rate.Result{Allowed: 0, RetryAfter: 20 * time.Millisecond}, nil),
		m.redisRateLimiter.EXPECT().
			Allow(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&redis_rate.Result{Allowed: 1}, nil),
	)
	m.clock.EXPECT().After(gomock.Any()).DoAndReturn(func(d time.Duration) <-chan time.Time {
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 30*time.Millisecond)
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	})

	require.NoError(t, l.Wait(context.Background(), mintURL))
}

func TestDistributed_RedisErrorFallsBackToLocal(t *testing.T) {
	l, m := setupDistributed(t, true)

	m.redisRateLimiter.EXPECT().
		Allow(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("i/o timeout"))

	require.NoError(t, l.Wait(context.Background(), mintURL))
	// Redis is marked unavailable, so the next wait never reaches it
	require.NoError(t, l.Wait(context.Background(), mintURL))
}

func TestDistributed_RedisUnavailableAtStart(t *testing.T) {
	l, _ := setupDistributed(t, false)

	// No Allow expectation: the local fallback serves every request
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background(), mintURL))
	}
}

func TestDistributed_ContextCanceled(t *testing.T) {
	l, m := setupDistributed(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	m.redisRateLimiter.EXPECT().
		Allow(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, redis_rate.Limit) (*redis_rate.Result, error) {
			cancel()
			return &redis_rate.Result{Allowed: 0, RetryAfter: time.Second}, nil
		})
	m.clock.EXPECT().After(gomock.Any()).Return(make(chan time.Time))

	err := l.Wait(ctx, mintURL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDistributed_Closed(t *testing.T) {
	l, _ := setupDistributed(t, true)

	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Wait(context.Background(), mintURL), ratelimit.ErrClosed)
}

func TestLocalLimiter_PerKey(t *testing.T) {
	l := ratelimit.NewLocalLimiter(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Each key has its own bucket of one
	require.NoError(t, l.Wait(ctx, "https://a.example.com"))
	require.NoError(t, l.Wait(ctx, "https://b.example.com"))

	// The second request on the same key would wait about a second
	err := l.Wait(ctx, "https://a.example.com")
	assert.Error(t, err)
}

func TestNew_ZeroRateIsUnlimited(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{}, nil, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), mintURL))
	}
	assert.NoError(t, l.Close())
}
