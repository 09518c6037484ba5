package domain

import "time"

const (
	// TransactionIDMinLength is the shortest accepted caller transaction id
	TransactionIDMinLength = 10
	// TransactionIDMaxLength is the longest accepted caller transaction id
	TransactionIDMaxLength = 100

	// DefaultDuplicateWindow is how far back an identical operation hash is considered a duplicate
	DefaultDuplicateWindow = 5 * time.Minute

	// KeepSuffix is appended to the melt transaction id for the kept change record
	KeepSuffix = "_keep"
	// MeltChangeSuffix is appended to the melt transaction id for the mint change record
	MeltChangeSuffix = "_melt_change"
	// InFlightSuffix is appended to the melt transaction id for the placeholder of an unsettled payment
	InFlightSuffix = "_in_flight"
	// RecoveredSuffix is appended to the melt transaction id for proofs returned by recovery
	RecoveredSuffix = "_recovered"

	// redactKeep is the number of leading characters kept when redacting secrets and ids
	redactKeep = 8
)

// Redact truncates a secret or identifier for logging
func Redact(s string) string {
	if len(s) <= redactKeep {
		return s
	}
	return s[:redactKeep] + "..."
}

// MeltRecordIDs returns every transaction id a melt may assign to records it creates
func MeltRecordIDs(transactionID string) []string {
	return []string{
		transactionID,
		transactionID + KeepSuffix,
		transactionID + MeltChangeSuffix,
		transactionID + InFlightSuffix,
		transactionID + RecoveredSuffix,
	}
}
