package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/alert"
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/store"
)

// Category groups operations for counting
type Category string

const (
	CategoryMelt           Category = "melt"
	CategoryReconciliation Category = "reconciliation"
	CategoryMigration      Category = "migration"
	CategoryRecovery       Category = "recovery"
)

// Config holds the alert thresholds
type Config struct {
	// FailureRateThreshold raises an alert when failures/attempts reaches it
	FailureRateThreshold float64
	// MinAttempts is the number of attempts below which the failure rate is not judged
	MinAttempts int64
	// PendingAgeThreshold is the age after which a pending record is stale
	PendingAgeThreshold time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: 0.10,
		MinAttempts:          10,
		PendingAgeThreshold:  time.Hour,
	}
}

// Stats are the counters of one category with derived rates
type Stats struct {
	Attempts    int64   `json:"attempts"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
}

type counters struct {
	attempts  int64
	successes int64
	failures  int64
}

func (c counters) stats() Stats {
	s := Stats{Attempts: c.attempts, Successes: c.successes, Failures: c.failures}
	if c.attempts > 0 {
		s.SuccessRate = float64(c.successes) / float64(c.attempts)
		s.FailureRate = float64(c.failures) / float64(c.attempts)
	}
	return s
}

// HealthReport is the outcome of a health check
type HealthReport struct {
	Healthy           bool               `json:"healthy"`
	Categories        map[Category]Stats `json:"categories"`
	HighFailureRate   []Category         `json:"high_failure_rate,omitempty"`
	StalePendingCount int64              `json:"stale_pending_count"`
	CheckedAt         time.Time          `json:"checked_at"`
}

// Monitor counts operations and raises alerts when thresholds are crossed
type Monitor struct {
	cfg     Config
	store   store.Store
	alerter alert.Alerter
	clock   adapter.Clock

	mu       sync.Mutex
	counters map[Category]*counters
}

// NewMonitor creates a monitor
func NewMonitor(cfg Config, st store.Store, alerter alert.Alerter, clock adapter.Clock) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    st,
		alerter:  alerter,
		clock:    clock,
		counters: make(map[Category]*counters),
	}
}

func (m *Monitor) get(cat Category) *counters {
	c, ok := m.counters[cat]
	if !ok {
		c = &counters{}
		m.counters[cat] = c
	}
	return c
}

// RecordAttempt counts an attempt
func (m *Monitor) RecordAttempt(cat Category) {
	m.mu.Lock()
	m.get(cat).attempts++
	m.mu.Unlock()
	operationsTotal.WithLabelValues(string(cat), "attempt").Inc()
}

// RecordSuccess counts a success
func (m *Monitor) RecordSuccess(cat Category) {
	m.mu.Lock()
	c := m.get(cat)
	c.successes++
	rate := c.stats().FailureRate
	m.mu.Unlock()
	operationsTotal.WithLabelValues(string(cat), "success").Inc()
	failureRate.WithLabelValues(string(cat)).Set(rate)
}

// RecordFailure counts a failure with the error code of err
func (m *Monitor) RecordFailure(cat Category, err error) {
	m.mu.Lock()
	c := m.get(cat)
	c.failures++
	rate := c.stats().FailureRate
	m.mu.Unlock()

	code := string(domain.CodeOf(err))
	if code == "" {
		code = "UNKNOWN"
	}
	operationsTotal.WithLabelValues(string(cat), "failure").Inc()
	operationFailures.WithLabelValues(string(cat), code).Inc()
	failureRate.WithLabelValues(string(cat)).Set(rate)
}

// Track runs fn and records its attempt and outcome
func (m *Monitor) Track(cat Category, fn func() error) error {
	start := m.clock.Now()
	m.RecordAttempt(cat)
	err := fn()
	operationDuration.WithLabelValues(string(cat)).Observe(m.clock.Since(start).Seconds())
	if err != nil {
		m.RecordFailure(cat, err)
		return err
	}
	m.RecordSuccess(cat)
	return nil
}

// Stats returns the counters of one category
func (m *Monitor) Stats(cat Category) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[cat]; ok {
		return c.stats()
	}
	return Stats{}
}

// Snapshot returns the counters of every category seen so far
func (m *Monitor) Snapshot() map[Category]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Category]Stats, len(m.counters))
	for cat, c := range m.counters {
		out[cat] = c.stats()
	}
	return out
}

// CheckHealth evaluates the thresholds and sends an alert for each one crossed
func (m *Monitor) CheckHealth(ctx context.Context) (*HealthReport, error) {
	now := m.clock.Now()
	report := &HealthReport{
		Healthy:    true,
		Categories: m.Snapshot(),
		CheckedAt:  now,
	}

	cats := make([]Category, 0, len(report.Categories))
	for cat := range report.Categories {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	for _, cat := range cats {
		s := report.Categories[cat]
		if s.Attempts < m.cfg.MinAttempts || s.FailureRate < m.cfg.FailureRateThreshold {
			continue
		}
		report.Healthy = false
		report.HighFailureRate = append(report.HighFailureRate, cat)
		m.sendAlert(ctx, alert.Alert{
			Type:     alert.TypeHighFailureRate,
			Severity: alert.SeverityCritical,
			Title:    fmt.Sprintf("High %s failure rate", cat),
			Message:  fmt.Sprintf("%.1f%% of %d %s operations failed", s.FailureRate*100, s.Attempts, cat),
			Key:      string(cat),
			Fields: map[string]string{
				"category":  string(cat),
				"attempts":  strconv.FormatInt(s.Attempts, 10),
				"failures":  strconv.FormatInt(s.Failures, 10),
				"threshold": strconv.FormatFloat(m.cfg.FailureRateThreshold, 'f', 2, 64),
			},
		})
	}

	stale, err := m.store.CountStalePendingTokens(ctx, now.Add(-m.cfg.PendingAgeThreshold))
	if err != nil {
		return nil, fmt.Errorf("failed to count stale pending records: %w", err)
	}
	report.StalePendingCount = stale
	stalePendingRecords.Set(float64(stale))

	if stale > 0 {
		report.Healthy = false
		m.sendAlert(ctx, alert.Alert{
			Type:     alert.TypeStalePending,
			Severity: alert.SeverityWarning,
			Title:    "Stale pending records",
			Message:  fmt.Sprintf("%d records pending for more than %s", stale, m.cfg.PendingAgeThreshold),
			Fields: map[string]string{
				"count":     strconv.FormatInt(stale, 10),
				"threshold": m.cfg.PendingAgeThreshold.String(),
			},
		})
	}

	return report, nil
}

func (m *Monitor) sendAlert(ctx context.Context, a alert.Alert) {
	if err := m.alerter.Send(ctx, a); err != nil {
		logger.WarnCtx(ctx, "Failed to send alert", zap.String("type", string(a.Type)), zap.Error(err))
	}
}
