package repository

import (
	"context"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
)

// RelanceRepository persists relances and answers the UI queries.
type RelanceRepository interface {
	// Batch writes; all operations commit or roll back together.
	UpsertBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error)

	// Queries
	GetRelance(ctx context.Context, id uint) (*entities.Relance, error)
	FindByDedupKey(ctx context.Context, dedupKey string) ([]entities.Relance, error)
	FindPendingByEntity(ctx context.Context, entityType, entityID string) ([]entities.Relance, error)
	FindByEntity(ctx context.Context, entityType, entityID string) ([]entities.Relance, error)
	FindOverdue(ctx context.Context, now time.Time) ([]entities.Relance, error)
	FindUpcoming(ctx context.Context, now time.Time, horizon time.Duration) ([]entities.Relance, error)
	FindByEntityType(ctx context.Context, entityType string) ([]entities.Relance, error)

	// Manual completion from the UI.
	MarkManuallyCompleted(ctx context.Context, id uint, at time.Time) (*entities.Relance, error)

	// Paging used by the migration runner and the audit.
	ListEntityKeysAfter(ctx context.Context, after EntityKey, limit int) ([]EntityKey, error)
	ListMissingStatusAfter(ctx context.Context, afterID uint, limit int) ([]entities.Relance, error)
	ListAfterID(ctx context.Context, afterID uint, limit int) ([]entities.Relance, error)
}

// OpKind names a batch operation.
type OpKind string

const (
	// OpCreate inserts a new pending relance.
	OpCreate OpKind = "create"
	// OpUpdate rewrites due date and priority of a pending relance.
	OpUpdate OpKind = "update"
	// OpComplete closes a pending relance.
	OpComplete OpKind = "complete"
	// OpDelete hard-deletes a relance. Only the migration runner uses it.
	OpDelete OpKind = "delete"
	// OpMigrate rewrites the lifecycle columns regardless of current status.
	OpMigrate OpKind = "migrate"
)

// BatchOp is one write of an UpsertBatch call.
type BatchOp struct {
	Kind    OpKind
	Relance *entities.Relance
}

// BatchResult counts applied operations. Skipped counts updates and
// completions whose target was no longer pending.
type BatchResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Completed int `json:"completed"`
	Deleted   int `json:"deleted"`
	Migrated  int `json:"migrated"`
	Skipped   int `json:"skipped"`
}

// Writes returns the number of rows changed by the batch.
func (r *BatchResult) Writes() int {
	return r.Created + r.Updated + r.Completed + r.Deleted + r.Migrated
}

// EntityKey identifies an entity. The zero value sorts before every key.
type EntityKey struct {
	EntityType string `gorm:"column:entity_type" json:"entity_type"`
	EntityID   string `gorm:"column:entity_id" json:"entity_id"`
}

func (k EntityKey) String() string {
	return k.EntityType + "|" + k.EntityID
}
