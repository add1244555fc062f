package entities

import "time"

// MigrationStatus is the state of the relance repair run.
type MigrationStatus string

const (
	MigrationStatusIdle      MigrationStatus = "idle"
	MigrationStatusDedupe    MigrationStatus = "dedupe"
	MigrationStatusBackfill  MigrationStatus = "backfill"
	MigrationStatusPaused    MigrationStatus = "paused"
	MigrationStatusCompleted MigrationStatus = "completed"
	MigrationStatusFailed    MigrationStatus = "failed"
)

// MigrationState is the single-row checkpoint of the migration runner.
type MigrationState struct {
	ID    uint            `gorm:"primaryKey" json:"id"`
	State MigrationStatus `gorm:"size:20;not null" json:"state"`
	// PausedFrom remembers the phase to resume into.
	PausedFrom MigrationStatus `gorm:"size:20;default:''" json:"paused_from,omitempty"`
	RunID      string          `gorm:"size:36;default:''" json:"run_id"`
	DryRun     bool            `gorm:"not null;default:false" json:"dry_run"`
	// Cursor is the last processed key of the current phase.
	Cursor           string     `gorm:"size:255;default:''" json:"cursor"`
	ProcessedRecords int64      `gorm:"not null;default:0" json:"processed_records"`
	UpdatedRecords   int64      `gorm:"not null;default:0" json:"updated_records"`
	DuplicateGroups  int64      `gorm:"not null;default:0" json:"duplicate_groups"`
	RemovedRecords   int64      `gorm:"not null;default:0" json:"removed_records"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message,omitempty"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (MigrationState) TableName() string {
	return "relance_migration_state"
}
