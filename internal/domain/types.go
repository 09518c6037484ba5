package domain

import (
	"slices"
)

// TokenStatus represents the lifecycle status of a token record
type TokenStatus string

const (
	// TokenStatusUnspent is a record whose proofs are owned and spendable
	TokenStatusUnspent TokenStatus = "unspent"
	// TokenStatusPending is a record waiting on the mint (quote payment, outgoing send)
	TokenStatusPending TokenStatus = "pending"
	// TokenStatusSpent is a terminal status, the proofs were consumed at the mint
	TokenStatusSpent TokenStatus = "spent"
	// TokenStatusMelted is the legacy status written by the old melt path, which stored
	// the consumed proofs a second time. It is never written anymore and only exists so
	// the backfill migration can find and correct those rows.
	TokenStatusMelted TokenStatus = "melted"
)

// LiveTokenStatuses are the statuses the ledger writes
var LiveTokenStatuses = []TokenStatus{TokenStatusUnspent, TokenStatusPending, TokenStatusSpent}

// Valid reports whether the status is one the ledger writes
func (s TokenStatus) Valid() bool {
	return slices.Contains(LiveTokenStatuses, s)
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
//
//	pending -> unspent | spent
//	unspent -> spent
//	spent   -> (terminal)
func (s TokenStatus) CanTransitionTo(next TokenStatus) bool {
	switch s {
	case TokenStatusPending:
		return next == TokenStatusUnspent || next == TokenStatusSpent
	case TokenStatusUnspent:
		return next == TokenStatusSpent
	default:
		return false
	}
}

// ConsumesSecrets reports whether records in this status hold their secrets exclusively.
// Spent records and legacy melted duplicates do not count towards double issuance.
func (s TokenStatus) ConsumesSecrets() bool {
	return s != TokenStatusSpent && s != TokenStatusMelted
}

// TokenKind represents how a token record came into the wallet
type TokenKind string

const (
	TokenKindMinted   TokenKind = "minted"
	TokenKindReceived TokenKind = "received"
	TokenKindSent     TokenKind = "sent"
	TokenKindChange   TokenKind = "change"
)

// Valid reports whether the kind is known
func (k TokenKind) Valid() bool {
	switch k {
	case TokenKindMinted, TokenKindReceived, TokenKindSent, TokenKindChange:
		return true
	}
	return false
}

// Proof is an opaque unit of value issued by a mint.
// The ledger never inspects the commitment; it only relies on secret uniqueness and amount.
type Proof struct {
	// UnitID is the keyset identifier the proof was signed with
	UnitID string `json:"id"`
	// Amount is the value of the proof in the smallest settlement unit
	Amount int64 `json:"amount"`
	// Secret is the unforgeable handle of the proof
	Secret string `json:"secret"`
	// Commitment is the mint's blind signature (C)
	Commitment string `json:"C"`
}

// SumProofs returns the total amount of the given proofs
func SumProofs(proofs []Proof) int64 {
	var total int64
	for _, p := range proofs {
		total += p.Amount
	}
	return total
}

// Secrets returns the secrets of the given proofs, in order
func Secrets(proofs []Proof) []string {
	secrets := make([]string, 0, len(proofs))
	for _, p := range proofs {
		secrets = append(secrets, p.Secret)
	}
	return secrets
}

// ProofState is the state of a proof as reported by the mint
type ProofState string

const (
	ProofStateUnspent ProofState = "unspent"
	ProofStatePending ProofState = "pending"
	ProofStateSpent   ProofState = "spent"
)

// MeltQuoteState is the payment state of a melt quote at the mint
type MeltQuoteState string

const (
	MeltQuoteStateUnpaid  MeltQuoteState = "UNPAID"
	MeltQuoteStatePending MeltQuoteState = "PENDING"
	MeltQuoteStatePaid    MeltQuoteState = "PAID"
)

// MeltQuote is the mint's offer to pay an invoice
type MeltQuote struct {
	QuoteID    string         `json:"quote"`
	Amount     int64          `json:"amount"`
	FeeReserve int64          `json:"fee_reserve"`
	State      MeltQuoteState `json:"state"`
	Expiry     int64          `json:"expiry,omitempty"`
	// Change is the unused fee reserve, returned once the quote is paid
	Change []Proof `json:"change,omitempty"`
}

// MeltPayment is the outcome of paying a melt quote
type MeltPayment struct {
	QuoteID      string         `json:"quote"`
	State        MeltQuoteState `json:"state"`
	PaidAmount   int64          `json:"paid_amount"`
	FeesPaid     int64          `json:"fees_paid"`
	Preimage     string         `json:"payment_preimage,omitempty"`
	ChangeProofs []Proof        `json:"change,omitempty"`
}

// Paid reports whether the mint settled the payment
func (p *MeltPayment) Paid() bool {
	return p != nil && p.State == MeltQuoteStatePaid
}

// SwapResult holds the proofs returned by the mint when splitting inputs
// into an exact send amount and leftover proofs kept by the wallet
type SwapResult struct {
	Send []Proof `json:"send"`
	Keep []Proof `json:"keep"`
}

// Balances is the per-status balance summary of an owner
type Balances struct {
	Total   int64 `json:"total"`
	Unspent int64 `json:"unspent"`
	Pending int64 `json:"pending"`
	Spent   int64 `json:"spent"`
}
