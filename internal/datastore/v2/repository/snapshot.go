package repository

import (
	"context"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
)

// SnapshotRepository stores the mirrored attribute bags of business entities.
type SnapshotRepository interface {
	Get(ctx context.Context, entityType, entityID string) (*entities.EntitySnapshot, error)
	// Upsert stores snap and returns the row it replaced, or nil for a new entity.
	Upsert(ctx context.Context, snap *entities.EntitySnapshot) (*entities.EntitySnapshot, error)
	// Delete removes the mirror row and returns it.
	Delete(ctx context.Context, entityType, entityID string) (*entities.EntitySnapshot, error)
	MarkProcessed(ctx context.Context, entityType, entityID string, at time.Time) error
	ListAfter(ctx context.Context, after EntityKey, limit int) ([]entities.EntitySnapshot, error)
}
