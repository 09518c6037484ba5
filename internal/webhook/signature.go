package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenerateSignedPayload generates a signed webhook payload with HMAC-SHA256 signature
// Returns the JSON payload, signature value, timestamp, and any error
func GenerateSignedPayload(secret string, event WebhookEvent, at time.Time) (payload []byte, signature string, timestamp int64, err error) {
	// Serialize event to JSON
	payload, err = json.Marshal(event)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	timestamp = at.Unix()
	signature = sign(secret, timestamp, event.EventID, payload)

	return payload, signature, timestamp, nil
}

// VerifySignature checks a signature produced by GenerateSignedPayload
func VerifySignature(secret string, timestamp int64, eventID string, payload []byte, signature string) bool {
	expected := sign(secret, timestamp, eventID, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// sign computes "sha256=<hex>" over {timestamp}.{event_id}.{json_body}. The timestamp
// lets receivers reject replays and the event id lets them deduplicate.
func sign(secret string, timestamp int64, eventID string, payload []byte) string {
	signaturePayload := fmt.Sprintf("%d.%s.%s", timestamp, eventID, string(payload))

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signaturePayload))

	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
