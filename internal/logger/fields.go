package logger

import (
	"go.uber.org/zap"
)

// redactKeep is the number of leading characters kept by Redacted
const redactKeep = 8

// Redacted returns a field holding a truncated secret or identifier
func Redacted(key, value string) zap.Field {
	if len(value) > redactKeep {
		value = value[:redactKeep] + "..."
	}
	return zap.String(key, value)
}

// OwnerID returns the owner field
func OwnerID(ownerID string) zap.Field {
	return Redacted("owner_id", ownerID)
}

// TransactionID returns the transaction id field
func TransactionID(id string) zap.Field {
	return zap.String("transaction_id", id)
}

