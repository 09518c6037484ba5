package reconciliation

import (
	"github.com/feral-file/ff-ecash-ledger/internal/domain"
	"github.com/feral-file/ff-ecash-ledger/internal/store/schema"
)

// Classification names the relation between the local status of a proof and its mint state
type Classification string

const (
	ClassConsistent           Classification = "CONSISTENT"
	ClassDBPendingMintSpent   Classification = "DB_PENDING_MINT_SPENT"
	ClassDBUnspentMintSpent   Classification = "DB_UNSPENT_MINT_SPENT"
	ClassDBSpentMintUnspent   Classification = "DB_SPENT_MINT_UNSPENT"
	ClassDBPendingMintUnspent Classification = "DB_PENDING_MINT_UNSPENT"
	ClassMintPending          Classification = "MINT_PENDING"
	ClassMintUnknown          Classification = "MINT_UNKNOWN"

	// Post-flight findings
	ClassSourceNotSpent       Classification = "SOURCE_NOT_SPENT"
	ClassChangeRecordMissing  Classification = "CHANGE_RECORD_MISSING"
	ClassBalanceDeltaMismatch Classification = "BALANCE_DELTA_MISMATCH"
)

// Severity returns how a finding of this class is handled.
//
//	high   blocks the operation and gates the owner until resolved
//	medium is auto-resolved when possible
//	low    is journaled only
func (c Classification) Severity() schema.Severity {
	switch c {
	case ClassDBUnspentMintSpent, ClassSourceNotSpent, ClassChangeRecordMissing:
		return schema.SeverityHigh
	case ClassDBPendingMintSpent, ClassBalanceDeltaMismatch:
		return schema.SeverityMedium
	case ClassConsistent:
		return ""
	default:
		return schema.SeverityLow
	}
}

// Classify compares the local status of a proof with the state reported by the mint.
// known is false when the mint did not report the proof at all.
func Classify(local domain.TokenStatus, mintState domain.ProofState, known bool) Classification {
	if !known {
		if local == domain.TokenStatusSpent {
			return ClassConsistent
		}
		return ClassMintUnknown
	}

	switch local {
	case domain.TokenStatusUnspent:
		switch mintState {
		case domain.ProofStateSpent:
			return ClassDBUnspentMintSpent
		case domain.ProofStatePending:
			return ClassMintPending
		}
	case domain.TokenStatusPending:
		switch mintState {
		case domain.ProofStateSpent:
			return ClassDBPendingMintSpent
		case domain.ProofStateUnspent:
			return ClassDBPendingMintUnspent
		}
	case domain.TokenStatusSpent, domain.TokenStatusMelted:
		if mintState == domain.ProofStateUnspent {
			return ClassDBSpentMintUnspent
		}
	}
	return ClassConsistent
}
