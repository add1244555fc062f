package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"gorm.io/gorm"
)

// snapshotRepository implements SnapshotRepository.
type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

func findSnapshot(tx *gorm.DB, entityType, entityID string) (*entities.EntitySnapshot, error) {
	var snap entities.EntitySnapshot
	err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot %s/%s: %w", entityType, entityID, err)
	}
	return &snap, nil
}

// Get returns the mirror row of an entity.
// Returns ErrSnapshotNotFound if the entity is unknown.
func (r *snapshotRepository) Get(ctx context.Context, entityType, entityID string) (*entities.EntitySnapshot, error) {
	return findSnapshot(r.db.WithContext(ctx), entityType, entityID)
}

// Upsert writes the new attribute bag and bumps the version.
func (r *snapshotRepository) Upsert(ctx context.Context, snap *entities.EntitySnapshot) (*entities.EntitySnapshot, error) {
	var previous *entities.EntitySnapshot
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findSnapshot(tx, snap.EntityType, snap.EntityID)
		switch {
		case errors.Is(err, ErrSnapshotNotFound):
			snap.ID = 0
			snap.Version = 1
			if err := tx.Create(snap).Error; err != nil {
				return fmt.Errorf("failed to create snapshot %s/%s: %w", snap.EntityType, snap.EntityID, err)
			}
			return nil
		case err != nil:
			return err
		}

		prevCopy := *existing
		previous = &prevCopy

		snap.ID = existing.ID
		snap.Version = existing.Version + 1
		snap.CreatedAt = existing.CreatedAt
		snap.ProcessedAt = existing.ProcessedAt
		if err := tx.Model(snap).Select("data", "version", "updated_at").Updates(snap).Error; err != nil {
			return fmt.Errorf("failed to update snapshot %s/%s: %w", snap.EntityType, snap.EntityID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// Delete removes the mirror row of an entity.
// Returns ErrSnapshotNotFound if the entity is unknown.
func (r *snapshotRepository) Delete(ctx context.Context, entityType, entityID string) (*entities.EntitySnapshot, error) {
	var deleted *entities.EntitySnapshot
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findSnapshot(tx, entityType, entityID)
		if err != nil {
			return err
		}
		if err := tx.Delete(&entities.EntitySnapshot{}, existing.ID).Error; err != nil {
			return fmt.Errorf("failed to delete snapshot %s/%s: %w", entityType, entityID, err)
		}
		deleted = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// MarkProcessed stamps the processed marker without touching the data.
func (r *snapshotRepository) MarkProcessed(ctx context.Context, entityType, entityID string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&entities.EntitySnapshot{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Update("processed_at", at.UTC())
	if result.Error != nil {
		return fmt.Errorf("failed to mark snapshot %s/%s processed: %w", entityType, entityID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// ListAfter pages mirror rows in (entity_type, entity_id) order.
func (r *snapshotRepository) ListAfter(ctx context.Context, after EntityKey, limit int) ([]entities.EntitySnapshot, error) {
	var snaps []entities.EntitySnapshot
	err := r.db.WithContext(ctx).
		Where("entity_type > ? OR (entity_type = ? AND entity_id > ?)", after.EntityType, after.EntityType, after.EntityID).
		Order("entity_type ASC, entity_id ASC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots after %s: %w", after, err)
	}
	return snaps, nil
}
