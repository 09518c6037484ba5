package schema

import (
	"time"

	"gorm.io/datatypes"
)

// MigrationStatus represents the status of a data migration
type MigrationStatus string

const (
	// MigrationStatusPending is a migration registered but never started
	MigrationStatusPending MigrationStatus = "pending"
	// MigrationStatusRunning is a migration currently applying
	MigrationStatusRunning MigrationStatus = "running"
	// MigrationStatusCompleted is a migration applied and verified
	MigrationStatusCompleted MigrationStatus = "completed"
	// MigrationStatusFailed is a migration that errored and left data unchanged
	MigrationStatusFailed MigrationStatus = "failed"
	// MigrationStatusRolledBack is a migration restored from its backup snapshot
	MigrationStatusRolledBack MigrationStatus = "rolled_back"
)

// Claimable reports whether a new run may take over a state in this status
func (s MigrationStatus) Claimable() bool {
	return s == MigrationStatusPending || s == MigrationStatusFailed || s == MigrationStatusRolledBack
}

// MigrationState represents the migration_states table - one row per migration name
type MigrationState struct {
	// Name is the migration identifier, unique
	Name string `gorm:"column:name;primaryKey;type:text"`
	// Version is the migration version that last touched the row
	Version int `gorm:"column:version;not null"`
	// Status is the state machine position of the migration
	Status MigrationStatus `gorm:"column:status;not null;type:text"`
	// StartedAt is the timestamp when the last run started
	StartedAt *time.Time `gorm:"column:started_at;type:timestamptz"`
	// CompletedAt is the timestamp when the last run completed or rolled back
	CompletedAt *time.Time `gorm:"column:completed_at;type:timestamptz"`
	// AffectedCount is the number of records changed by the last run
	AffectedCount int64 `gorm:"column:affected_count;not null;default:0"`
	// BackupSnapshot is the JSON array of TokenStateSnapshot taken before applying
	BackupSnapshot datatypes.JSON `gorm:"column:backup_snapshot;type:jsonb"`
	// Error is the last failure message
	Error *string `gorm:"column:error;type:text"`
	// CreatedAt is the timestamp when the row was created
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now();type:timestamptz"`
	// UpdatedAt is the timestamp when the row was last updated
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now();type:timestamptz"`
}

// TableName specifies the table name for the MigrationState model
func (MigrationState) TableName() string {
	return "migration_states"
}
