package schema

import (
	"time"

	"gorm.io/datatypes"
)

// JournalEntryType represents what kind of event a journal row records
type JournalEntryType string

const (
	// JournalEntryTypeReconciliationAction records an automatic correction
	JournalEntryTypeReconciliationAction JournalEntryType = "reconciliation_action"
	// JournalEntryTypeDiscrepancy records a finding that was not corrected
	JournalEntryTypeDiscrepancy JournalEntryType = "discrepancy"
	// JournalEntryTypeRecovery records a recovery sweeper decision
	JournalEntryTypeRecovery JournalEntryType = "recovery"
)

// Severity ranks a discrepancy
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// LedgerJournal represents the ledger_journal table - append-only audit log of
// reconciliation findings and corrective actions
type LedgerJournal struct {
	// ID is an auto-incrementing sequence number for ordering
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// OwnerID is the owner the entry concerns
	OwnerID string `gorm:"column:owner_id;not null;type:text;index"`
	// TokenID is the token record the entry concerns, if any
	TokenID *string `gorm:"column:token_id;type:uuid"`
	// TransactionID is the operation the entry concerns, if any
	TransactionID *string `gorm:"column:transaction_id;type:text"`
	// EntryType identifies the kind of entry
	EntryType JournalEntryType `gorm:"column:entry_type;not null;type:text"`
	// Classification is the discrepancy class (e.g. DB_UNSPENT_MINT_SPENT)
	Classification string `gorm:"column:classification;not null;type:text"`
	// Severity is the severity of the finding
	Severity Severity `gorm:"column:severity;not null;type:text"`
	// Resolved is true once the finding no longer gates operations
	Resolved bool `gorm:"column:resolved;not null;default:false"`
	// ResolvedAt is the timestamp when the entry was resolved
	ResolvedAt *time.Time `gorm:"column:resolved_at;type:timestamptz"`
	// Meta contains additional context (redacted secret, expected/actual values)
	Meta datatypes.JSON `gorm:"column:meta;type:jsonb"`
	// CreatedAt is the timestamp when the entry was appended
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the LedgerJournal model
func (LedgerJournal) TableName() string {
	return "ledger_journal"
}
