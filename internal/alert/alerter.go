package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/logger"
	"github.com/feral-file/ff-ecash-ledger/internal/messaging"
	"github.com/feral-file/ff-ecash-ledger/internal/webhook"
)

// Type categorizes the kind of alert
type Type string

const (
	TypeHighFailureRate    Type = "HIGH_FAILURE_RATE"
	TypeStalePending       Type = "STALE_PENDING"
	TypeDiscrepancy        Type = "RECONCILIATION_DISCREPANCY"
	TypeRecoveryFailed     Type = "RECOVERY_FAILED"
	TypeCriticalFailure    Type = "CRITICAL_PARTIAL_FAILURE"
	TypeMigrationFailed    Type = "MIGRATION_FAILED"
	TypeManualIntervention Type = "MANUAL_INTERVENTION"
)

// Severity ranks an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents a single alert event
type Alert struct {
	Type     Type
	Severity Severity
	Title    string
	Message  string
	// Key narrows the cooldown to one subject (an owner, a category). Empty means per type.
	Key    string
	Fields map[string]string
}

// Alerter is the interface for sending alerts
//
//go:generate mockgen -source=alerter.go -destination=../mocks/alerter.go -package=mocks -mock_names=Alerter=MockAlerter
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

var (
	alertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_alerts_sent_total",
		Help: "Alerts delivered per channel and type.",
	}, []string{"channel", "type"})
	alertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_alerts_suppressed_total",
		Help: "Alerts dropped by the cooldown.",
	}, []string{"type"})
)

// MultiAlerter fans out alerts to multiple channels
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	clock    adapter.Clock

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewMultiAlerter creates a new multi-channel alerter with cooldown
func NewMultiAlerter(cooldown time.Duration, clock adapter.Clock, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		clock:    clock,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s", a.Type, a.Key)
}

// Send dispatches alert to all channels, respecting cooldown
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	key := cooldownKey(alert)
	now := m.clock.Now()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		logger.DebugCtx(ctx, "Alert suppressed by cooldown", zap.String("key", key))
		alertsSuppressed.WithLabelValues(string(alert.Type)).Inc()
		return nil
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	var firstErr error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			logger.WarnCtx(ctx, "Alert send failed",
				zap.String("channel", alerterName(a)),
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		alertsSent.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return firstErr
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *LogAlerter:
		return "log"
	case *WebhookAlerter:
		return "webhook"
	case *StreamAlerter:
		return "stream"
	default:
		return "other"
	}
}

// LogAlerter writes alerts to the structured log. Critical alerts are logged at error
// level so they reach sentry.
type LogAlerter struct{}

// NewLogAlerter creates a log alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+3)
	fields = append(fields,
		zap.String("alert_type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
	)
	for k, v := range alert.Fields {
		fields = append(fields, zap.String(k, v))
	}

	if alert.Severity == SeverityCritical {
		logger.ErrorCtx(ctx, fmt.Errorf("alert: %s", alert.Title), fields...)
	} else {
		logger.WarnCtx(ctx, "Alert: "+alert.Title, fields...)
	}
	return nil
}

// WebhookAlerter posts alerts as JSON to an HTTP endpoint. When a secret is set the
// alert is wrapped in an HMAC-signed envelope.
type WebhookAlerter struct {
	url    string
	secret string
	http   adapter.HTTPClient
	clock  adapter.Clock
}

// NewWebhookAlerter creates a generic webhook alerter
func NewWebhookAlerter(url string, httpClient adapter.HTTPClient, clock adapter.Clock) *WebhookAlerter {
	return &WebhookAlerter{
		url:   url,
		http:  httpClient,
		clock: clock,
	}
}

// NewSignedWebhookAlerter creates a webhook alerter that signs every delivery with secret
func NewSignedWebhookAlerter(url, secret string, httpClient adapter.HTTPClient, clock adapter.Clock) *WebhookAlerter {
	w := NewWebhookAlerter(url, httpClient, clock)
	w.secret = secret
	return w
}

// Send sends an alert to the webhook endpoint
func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	now := w.clock.Now().UTC()
	payload := map[string]any{
		"type":     string(alert.Type),
		"severity": string(alert.Severity),
		"title":    alert.Title,
		"message":  alert.Message,
		"fields":   alert.Fields,
		"time":     now.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	if w.secret != "" {
		body, err = w.sign(alert.Type, body, now)
		if err != nil {
			return err
		}
	}

	if _, err := w.http.Post(ctx, w.url, "application/json", body); err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	return nil
}

func (w *WebhookAlerter) sign(alertType Type, data []byte, now time.Time) ([]byte, error) {
	event := webhook.WebhookEvent{
		EventID:   ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		EventType: webhook.EventTypePrefix + strings.ToLower(string(alertType)),
		Timestamp: now,
		Data:      data,
	}

	signed, signature, ts, err := webhook.GenerateSignedPayload(w.secret, event, now)
	if err != nil {
		return nil, fmt.Errorf("sign webhook payload: %w", err)
	}

	body, err := json.Marshal(webhook.SignedEnvelope{
		Signature: signature,
		SignedAt:  ts,
		Payload:   signed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal signed envelope: %w", err)
	}
	return body, nil
}

// StreamAlerter publishes alerts as ledger events on the message broker, under
// alerts.<type> so consumers can subscribe per type
type StreamAlerter struct {
	publisher messaging.Publisher
	clock     adapter.Clock
}

// NewStreamAlerter creates an alerter that publishes to the broker
func NewStreamAlerter(publisher messaging.Publisher, clock adapter.Clock) *StreamAlerter {
	return &StreamAlerter{publisher: publisher, clock: clock}
}

func (s *StreamAlerter) Send(ctx context.Context, alert Alert) error {
	now := s.clock.Now().UTC()
	data, err := json.Marshal(map[string]any{
		"severity": string(alert.Severity),
		"title":    alert.Title,
		"message":  alert.Message,
		"key":      alert.Key,
		"fields":   alert.Fields,
	})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	name := strings.ToLower(string(alert.Type))
	event := &messaging.Event{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:      "alert." + name,
		Subject:   "alerts." + name,
		Timestamp: now,
		Data:      data,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}
	return nil
}

// NoopAlerter does nothing. Used when no alert channels are configured.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(_ context.Context, _ Alert) error { return nil }
