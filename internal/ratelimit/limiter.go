package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
)

// ErrClosed is returned by Wait after Close
var ErrClosed = errors.New("rate limiter is closed")

// Limiter throttles requests per key. Keys are mint URLs.
type Limiter interface {
	// Wait blocks until a request for key may proceed or ctx is done
	Wait(ctx context.Context, key string) error

	// Close releases the limiter
	Close() error
}

// Config holds the per-key limit shared by every process
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// KeyPrefix namespaces the redis keys
	KeyPrefix string
	// LocalFallbackMultiplier scales the local rate while redis is unreachable. Each process
	// then limits itself alone, so the rate is reduced to keep the total near the limit.
	LocalFallbackMultiplier float64
	// HealthInterval is how often an unreachable redis is pinged again
	HealthInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Burst <= 0 {
		c.Burst = max(int(c.RequestsPerSecond), 1)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ledger:mint:limiter:"
	}
	if c.LocalFallbackMultiplier <= 0 {
		c.LocalFallbackMultiplier = 0.5
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
}

// New returns a distributed limiter when rc is set and a process-local one otherwise.
// A non-positive rate disables limiting.
func New(cfg Config, rc adapter.RedisClient, clock adapter.Clock) Limiter {
	cfg.setDefaults()
	if cfg.RequestsPerSecond <= 0 {
		return &localLimiter{limit: rate.Inf, burst: cfg.Burst, limiters: make(map[string]*rate.Limiter)}
	}
	if rc == nil {
		return NewLocalLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}
	return newDistributedLimiter(cfg, rc, clock)
}

// localLimiter keeps one token bucket per key in process
type localLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLocalLimiter creates a process-local limiter
func NewLocalLimiter(requestsPerSecond float64, burst int) Limiter {
	return &localLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    max(burst, 1),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *localLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

func (l *localLimiter) Wait(ctx context.Context, key string) error {
	return l.get(key).Wait(ctx)
}

func (l *localLimiter) Close() error { return nil }

// distributedLimiter shares the limit through redis so the API and sweeper processes
// together stay under the mint's limit
type distributedLimiter struct {
	cfg            Config
	redis          adapter.RedisClient
	remote         adapter.RedisRateLimiter
	clock          adapter.Clock
	preFilter      *localLimiter
	fallback       *localLimiter
	redisAvailable atomic.Bool
	closed         atomic.Bool
	closeOnce      sync.Once
	stopCh         chan struct{}
}

func newDistributedLimiter(cfg Config, rc adapter.RedisClient, clock adapter.Clock) *distributedLimiter {
	d := &distributedLimiter{
		cfg:    cfg,
		redis:  rc,
		remote: rc.NewRateLimiter(),
		clock:  clock,
		// The pre-filter runs at the full rate so a single process never asks redis more
		// often than it could be allowed
		preFilter: &localLimiter{limit: rate.Limit(cfg.RequestsPerSecond), burst: cfg.Burst, limiters: make(map[string]*rate.Limiter)},
		fallback: &localLimiter{
			limit:    rate.Limit(max(cfg.RequestsPerSecond*cfg.LocalFallbackMultiplier, 1.0)),
			burst:    cfg.Burst,
			limiters: make(map[string]*rate.Limiter),
		},
		stopCh: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, mint rate limiting falls back to local", zap.Error(err))
	} else {
		d.redisAvailable.Store(true)
	}

	go d.monitorRedisHealth()

	logger.Info("Distributed mint rate limiter initialized",
		zap.Float64("requests_per_second", cfg.RequestsPerSecond),
		zap.Int("burst", cfg.Burst),
		zap.Bool("redis_available", d.redisAvailable.Load()),
	)
	return d
}

func (d *distributedLimiter) Wait(ctx context.Context, key string) error {
	for {
		if d.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if !d.redisAvailable.Load() {
			return d.fallback.Wait(ctx, key)
		}

		allowed, retryAfter, err := d.tryDistributed(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.redisAvailable.Store(false)
			logger.Warn("Redis rate limiter error, falling back to local",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		if allowed {
			return nil
		}

		// Spread retries over 50-150% of retryAfter
		jitter := time.Duration(float64(retryAfter) * (0.5 + rand.Float64())) //nolint:gosec,G404
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(jitter):
		}
	}
}

func (d *distributedLimiter) tryDistributed(ctx context.Context, key string) (bool, time.Duration, error) {
	if err := d.preFilter.Wait(ctx, key); err != nil {
		return false, 0, err
	}

	res, err := d.remote.Allow(ctx, d.cfg.KeyPrefix+key, redis_rate.Limit{
		Rate:   max(int(d.cfg.RequestsPerSecond), 1),
		Burst:  d.cfg.Burst,
		Period: time.Second,
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis allow: %w", err)
	}
	if res.Allowed == 0 {
		logger.Debug("Mint rate limit reached, waiting",
			zap.String("key", key),
			zap.Duration("retry_after", res.RetryAfter),
		)
		retryAfter := res.RetryAfter
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// monitorRedisHealth pings redis periodically and restores distributed limiting when it
// comes back
func (d *distributedLimiter) monitorRedisHealth() {
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := d.redis.Ping(ctx).Err()
		cancel()

		wasAvailable := d.redisAvailable.Swap(err == nil)
		if !wasAvailable && err == nil {
			logger.Info("Redis connection restored, distributed mint rate limiting resumed")
		}
	}
}

func (d *distributedLimiter) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stopCh)
		err = d.redis.Close()
	})
	return err
}
