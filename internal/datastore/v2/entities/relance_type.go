package entities

import "time"

// RelanceType is a catalog row describing one relance rule. Predicates are
// CEL expressions over the entity snapshot.
type RelanceType struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Key         string `gorm:"column:rule_key;size:100;not null;uniqueIndex" json:"key"`
	Label       string `gorm:"size:255;not null" json:"label"`
	Description string `gorm:"size:1000;default:''" json:"description"`
	Priority    string `gorm:"size:10;not null" json:"priority"`
	AppliesTo   string `gorm:"size:50;not null;index" json:"applies_to"`
	Predicate   string `gorm:"type:text;not null" json:"predicate"`
	Resolved    string `gorm:"type:text" json:"resolved"`
	// EscalateWhen raises the priority to high while it evaluates true.
	EscalateWhen  string    `gorm:"type:text" json:"escalate_when"`
	DueAnchor     string    `gorm:"size:100;default:''" json:"due_anchor"`
	DueOffsetDays int       `gorm:"not null;default:0" json:"due_offset_days"`
	DelayDays     int       `gorm:"not null;default:7" json:"delay_days"`
	Enabled       bool      `gorm:"not null;index" json:"enabled"`
	BuiltIn       bool      `gorm:"not null;default:false" json:"built_in"`
	SortOrder     int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (RelanceType) TableName() string {
	return "relance_types"
}
