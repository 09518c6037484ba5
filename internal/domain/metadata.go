package domain

import (
	"encoding/json"
	"fmt"
)

// ChangeSource tells which leftover a change record holds
type ChangeSource string

const (
	// ChangeSourceKeep is leftover value kept by the wallet when splitting inputs
	ChangeSourceKeep ChangeSource = "keep"
	// ChangeSourceMeltChange is change returned by the mint from its fee reserve
	ChangeSourceMeltChange ChangeSource = "melt_change"
)

// TokenMetadata is the typed metadata attached to a token record.
// Each kind has its own implementation; Extra carries unknown forward-compatible fields.
type TokenMetadata interface {
	Kind() TokenKind
	Validate() error
}

// MintedMetadata describes a record created by minting
type MintedMetadata struct {
	QuoteID string         `json:"quote_id,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

func (MintedMetadata) Kind() TokenKind { return TokenKindMinted }
func (MintedMetadata) Validate() error { return nil }

// ReceivedMetadata describes a record received from another wallet
type ReceivedMetadata struct {
	Sender string         `json:"sender,omitempty"`
	Memo   string         `json:"memo,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

func (ReceivedMetadata) Kind() TokenKind { return TokenKindReceived }
func (ReceivedMetadata) Validate() error { return nil }

// SentMetadata describes proofs handed out to another party or to a melt quote
type SentMetadata struct {
	Recipient string `json:"recipient,omitempty"`
	Memo      string `json:"memo,omitempty"`
	QuoteID   string `json:"quote_id,omitempty"`
	// ParentTransactionID and OperationHash link an in-flight placeholder to its melt
	ParentTransactionID string `json:"parent_transaction_id,omitempty"`
	OperationHash       string `json:"operation_hash,omitempty"`
	// InFlightAmount is the value handed to the mint while the payment outcome is unknown
	InFlightAmount int64 `json:"in_flight_amount,omitempty"`
	// InFlightProofs are the proofs handed to the mint. They are returned to the wallet
	// if the payment turns out to have failed.
	InFlightProofs []Proof        `json:"in_flight_proofs,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

func (SentMetadata) Kind() TokenKind { return TokenKindSent }
func (SentMetadata) Validate() error { return nil }

// ChangeMetadata links a change record to the melt that produced it
type ChangeMetadata struct {
	ParentTransactionID string         `json:"parent_transaction_id"`
	OperationHash       string         `json:"operation_hash"`
	Source              ChangeSource   `json:"source,omitempty"`
	QuoteID             string         `json:"quote_id,omitempty"`
	Extra               map[string]any `json:"extra,omitempty"`
}

func (ChangeMetadata) Kind() TokenKind { return TokenKindChange }

// Validate enforces the fields every change record must carry
func (m ChangeMetadata) Validate() error {
	if m.ParentTransactionID == "" {
		return NewError(ErrCodeMissingMetadata, "change record requires parent_transaction_id")
	}
	if m.OperationHash == "" {
		return NewError(ErrCodeMissingMetadata, "change record requires operation_hash")
	}
	return nil
}

// EncodeMetadata validates and serializes metadata for storage
func EncodeMetadata(m TokenMetadata) ([]byte, error) {
	if m == nil {
		return nil, NewError(ErrCodeMissingMetadata, "metadata is required")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMetadata parses stored metadata into the implementation matching kind
func DecodeMetadata(kind TokenKind, raw []byte) (TokenMetadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = []byte("{}")
	}

	var (
		m   TokenMetadata
		err error
	)
	switch kind {
	case TokenKindMinted:
		var v MintedMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TokenKindReceived:
		var v ReceivedMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TokenKindSent:
		var v SentMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case TokenKindChange:
		var v ChangeMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown token kind: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s metadata: %w", kind, err)
	}

	return m, nil
}

// QuoteIDOf returns the mint quote id carried by the metadata, if any
func QuoteIDOf(m TokenMetadata) string {
	switch v := m.(type) {
	case MintedMetadata:
		return v.QuoteID
	case SentMetadata:
		return v.QuoteID
	case ChangeMetadata:
		return v.QuoteID
	}
	return ""
}
