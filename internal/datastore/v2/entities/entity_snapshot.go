package entities

import "time"

// EntitySnapshot mirrors the last known attribute bag of a business entity.
// Data holds the JSON object; ProcessedAt is the only column the engine writes
// back after evaluating the entity.
type EntitySnapshot struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	EntityType  string     `gorm:"size:50;not null;uniqueIndex:idx_snapshot_entity,priority:1" json:"entity_type"`
	EntityID    string     `gorm:"size:100;not null;uniqueIndex:idx_snapshot_entity,priority:2" json:"entity_id"`
	Data        string     `gorm:"type:text;not null" json:"data"`
	Version     int64      `gorm:"not null;default:0" json:"version"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for GORM.
func (EntitySnapshot) TableName() string {
	return "entity_snapshots"
}
