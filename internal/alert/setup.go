package alert

import (
	"fmt"
	"time"

	"github.com/feral-file/ff-ecash-ledger/internal/adapter"
	"github.com/feral-file/ff-ecash-ledger/internal/config"
	"github.com/feral-file/ff-ecash-ledger/internal/messaging/jetstream"
)

// FromConfig builds the alert channels a process is configured with. Alerts always reach
// the log. The returned func closes the broker connection.
func FromConfig(cfg config.AlertConfig, service string, clock adapter.Clock) (*MultiAlerter, func(), error) {
	alerters := []Alerter{NewLogAlerter()}
	release := func() {}

	if cfg.WebhookURL != "" {
		hookClient := adapter.NewHTTPClient(10 * time.Second)
		if cfg.WebhookSecret != "" {
			alerters = append(alerters, NewSignedWebhookAlerter(cfg.WebhookURL, cfg.WebhookSecret, hookClient, clock))
		} else {
			alerters = append(alerters, NewWebhookAlerter(cfg.WebhookURL, hookClient, clock))
		}
	}

	if cfg.NatsURL != "" {
		publisher, err := jetstream.NewPublisher(jetstream.Config{
			URL:            cfg.NatsURL,
			SubjectPrefix:  cfg.NatsSubjectPrefix,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectionName: service,
		}, adapter.NewNatsJetStream())
		if err != nil {
			return nil, nil, fmt.Errorf("alert stream: %w", err)
		}
		alerters = append(alerters, NewStreamAlerter(publisher, clock))
		release = publisher.Close
	}

	return NewMultiAlerter(cfg.Cooldown, clock, alerters...), release, nil
}
