package webhook

import (
	"encoding/json"
	"time"
)

// EventTypePrefix prefixes the event type of every alert delivered by webhook
const EventTypePrefix = "ledger.alert."

// WebhookEvent represents an alert event delivered to an operator endpoint
type WebhookEvent struct {
	// EventID is a unique identifier for this event (ULID for time-sortable uniqueness)
	EventID string `json:"event_id"`
	// EventType is the type of event (e.g., "ledger.alert.stale_pending")
	EventType string `json:"event_type"`
	// Timestamp is when the event was generated
	Timestamp time.Time `json:"timestamp"`
	// Data contains the alert payload
	Data json.RawMessage `json:"data"`
}

// SignedEnvelope is the body posted to the endpoint. Payload is the exact signed JSON of
// the event, so receivers verify it byte for byte before decoding.
type SignedEnvelope struct {
	// Signature is "sha256=<hex>" over "{signed_at}.{event_id}.{payload}"
	Signature string `json:"signature"`
	// SignedAt is the unix timestamp included in the signature
	SignedAt int64 `json:"signed_at"`
	// Payload is the serialized WebhookEvent
	Payload json.RawMessage `json:"payload"`
}
