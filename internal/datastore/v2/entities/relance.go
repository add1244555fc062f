package entities

import (
	"time"

	"gorm.io/gorm"
)

// RelanceStatus is the lifecycle state of a relance. The empty value marks a
// legacy record written before the status column existed.
type RelanceStatus string

const (
	RelanceStatusLegacy    RelanceStatus = ""
	RelanceStatusPending   RelanceStatus = "pending"
	RelanceStatusCompleted RelanceStatus = "completed"
)

// Who closed a relance.
const (
	CompletedByEngine    = "engine"
	CompletedByManual    = "manual"
	CompletedByMigration = "migration"
)

// Relance is a time-bound follow-up task derived from the state of a business entity.
type Relance struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	DedupKey string `gorm:"size:255;not null;index" json:"dedup_key"`
	// PendingKey mirrors DedupKey while an automatic relance is pending and is
	// NULL otherwise. Its unique index enforces one pending relance per key.
	PendingKey       *string       `gorm:"size:255;uniqueIndex" json:"-"`
	EntityType       string        `gorm:"size:50;not null;index:idx_relances_entity,priority:1" json:"entity_type"`
	EntityID         string        `gorm:"size:100;not null;index:idx_relances_entity,priority:2" json:"entity_id"`
	EntityName       string        `gorm:"size:255;default:''" json:"entity_name"`
	RuleTypeID       string        `gorm:"size:100;not null;index" json:"rule_type_id"`
	Label            string        `gorm:"size:255;not null" json:"label"`
	Description      string        `gorm:"size:1000;default:''" json:"description"`
	Priority         string        `gorm:"size:10;not null;default:'medium'" json:"priority"`
	Status           RelanceStatus `gorm:"size:20;index" json:"status"`
	Automatic        bool          `gorm:"not null;default:false;index" json:"automatic"`
	DueAt            time.Time     `gorm:"index" json:"due_at"`
	CreatedAt        time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	CompletedBy      string        `gorm:"size:20;default:''" json:"completed_by,omitempty"`
	CompletionReason string        `gorm:"size:50;default:''" json:"completion_reason,omitempty"`
	// Terminee is the legacy completion flag. It is derived from Status on save.
	Terminee       bool       `gorm:"not null;default:false" json:"terminee"`
	MigratedAt     *time.Time `json:"migrated_at,omitempty"`
	OrganizationID string     `gorm:"size:100;default:'';index" json:"organization_id,omitempty"`
}

// TableName returns the table name for GORM.
func (Relance) TableName() string {
	return "relances"
}

// IsPending reports whether the relance is still open.
func (r *Relance) IsPending() bool {
	return r.Status == RelanceStatusPending
}

// BeforeSave derives the legacy and index columns from Status.
func (r *Relance) BeforeSave(_ *gorm.DB) error {
	r.project()
	return nil
}

func (r *Relance) project() {
	r.DueAt = r.DueAt.UTC()
	switch r.Status {
	case RelanceStatusPending:
		// Only automatic rows take part in the one-pending-per-key index.
		r.PendingKey = nil
		if r.Automatic && r.DedupKey != "" {
			key := r.DedupKey
			r.PendingKey = &key
		}
		r.Terminee = false
		r.CompletedAt = nil
	case RelanceStatusCompleted:
		r.PendingKey = nil
		r.Terminee = true
		if r.CompletedAt == nil {
			now := time.Now().UTC()
			r.CompletedAt = &now
		}
	default:
		// Legacy rows keep their terminee flag until the backfill assigns a status.
		r.PendingKey = nil
	}
}

// DedupKey builds the idempotency key of a rule instance on an entity.
func DedupKey(entityType, entityID, ruleTypeID string) string {
	return entityType + "|" + entityID + "|" + ruleTypeID
}
