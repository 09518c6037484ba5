package messaging

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a ledger notification for downstream consumers
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"-"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Publisher defines the interface for publishing events to message queue
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// Publish sends the event on its subject
	Publish(ctx context.Context, event *Event) error
	// Close closes the connection
	Close()
}
