package schema

import (
	"time"

	"gorm.io/datatypes"

	"github.com/feral-file/ff-ecash-ledger/internal/domain"
)

// RecoveryState marks pending tokens the recovery sweeper gave up on
type RecoveryState string

const (
	// RecoveryStateFailed means the record could not be completed through the mint
	RecoveryStateFailed RecoveryState = "failed"
)

// Token represents the tokens table - one ledger record holding proofs for an owner
type Token struct {
	// ID is the record identifier (uuid)
	ID string `gorm:"column:id;primaryKey;type:uuid"`
	// OwnerID is the opaque user identifier, immutable
	OwnerID string `gorm:"column:owner_id;not null;type:text;index:idx_tokens_owner_status,priority:1"`
	// WalletRef references the owning wallet entity
	WalletRef string `gorm:"column:wallet_ref;not null;type:text"`
	// MintRef is the URL of the issuing mint
	MintRef string `gorm:"column:mint_ref;not null;type:text"`
	// Proofs is the ordered list of proofs held by the record
	Proofs datatypes.JSONSlice[domain.Proof] `gorm:"column:proofs;not null;type:jsonb"`
	// TotalAmount is the sum of the proof amounts
	TotalAmount int64 `gorm:"column:total_amount;not null"`
	// Status is the lifecycle status of the record
	Status domain.TokenStatus `gorm:"column:status;not null;type:text;index:idx_tokens_owner_status,priority:2"`
	// Kind tells how the record was created
	Kind domain.TokenKind `gorm:"column:kind;not null;type:text"`
	// Metadata holds the typed per-kind metadata as JSON
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb"`
	// TransactionID is globally unique and immutable once assigned
	TransactionID string `gorm:"column:transaction_id;not null;uniqueIndex"`
	// SpentTransactionID is the melt that consumed this record
	SpentTransactionID *string `gorm:"column:spent_transaction_id;index"`
	// SpentOperationHash is the operation hash of the melt that consumed this record
	SpentOperationHash *string `gorm:"column:spent_operation_hash"`
	// RecoveryState is set when the recovery sweeper could not complete a pending record
	RecoveryState *RecoveryState `gorm:"column:recovery_state;type:text"`
	// CreatedAt is the timestamp when the record was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when the record was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
	// SpentAt is set exactly once, when the record becomes spent
	SpentAt *time.Time `gorm:"column:spent_at;type:timestamptz"`
}

// TableName specifies the table name for the Token model
func (Token) TableName() string {
	return "tokens"
}

// DecodedMetadata returns the typed metadata of the token
func (t *Token) DecodedMetadata() (domain.TokenMetadata, error) {
	return domain.DecodeMetadata(t.Kind, t.Metadata)
}
