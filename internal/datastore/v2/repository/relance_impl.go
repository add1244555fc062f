package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"gorm.io/gorm"
)

// Columns written by each batch operation. Everything else is immutable
// once the row exists.
var (
	updateColumns   = []string{"due_at", "priority", "updated_at"}
	completeColumns = []string{"status", "terminee", "pending_key", "completed_at", "completed_by", "completion_reason", "updated_at"}
	migrateColumns  = []string{"dedup_key", "status", "terminee", "pending_key", "completed_at", "completed_by", "completion_reason", "migrated_at", "updated_at"}
)

// relanceRepository implements RelanceRepository.
type relanceRepository struct {
	db *gorm.DB
}

// NewRelanceRepository creates a new RelanceRepository.
func NewRelanceRepository(db *gorm.DB) RelanceRepository {
	return &relanceRepository{db: db}
}

// UpsertBatch applies ops in a single transaction. Updates and completions
// only match pending rows, so replaying a batch is harmless.
func (r *relanceRepository) UpsertBatch(ctx context.Context, ops []BatchOp) (*BatchResult, error) {
	result := &BatchResult{}
	if len(ops) == 0 {
		return result, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range ops {
			op := ops[i]
			if op.Relance == nil {
				return fmt.Errorf("failed to apply %s operation: missing relance", op.Kind)
			}
			if err := applyOp(tx, op, result); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func applyOp(tx *gorm.DB, op BatchOp, result *BatchResult) error {
	rel := op.Relance
	switch op.Kind {
	case OpCreate:
		if err := tx.Create(rel).Error; err != nil {
			return translateWriteError(err, rel.DedupKey, "create")
		}
		result.Created++

	case OpUpdate:
		res := tx.Model(rel).
			Where("status = ?", entities.RelanceStatusPending).
			Select(updateColumns).
			Updates(rel)
		if res.Error != nil {
			return translateWriteError(res.Error, rel.DedupKey, "update")
		}
		if res.RowsAffected == 0 {
			result.Skipped++
			return nil
		}
		result.Updated++

	case OpComplete:
		rel.Status = entities.RelanceStatusCompleted
		res := tx.Model(rel).
			Where("status = ?", entities.RelanceStatusPending).
			Select(completeColumns).
			Updates(rel)
		if res.Error != nil {
			return translateWriteError(res.Error, rel.DedupKey, "complete")
		}
		if res.RowsAffected == 0 {
			result.Skipped++
			return nil
		}
		result.Completed++

	case OpDelete:
		res := tx.Delete(&entities.Relance{}, rel.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete relance %d: %w", rel.ID, res.Error)
		}
		result.Deleted += int(res.RowsAffected)

	case OpMigrate:
		res := tx.Model(rel).Select(migrateColumns).Updates(rel)
		if res.Error != nil {
			return translateWriteError(res.Error, rel.DedupKey, "migrate")
		}
		result.Migrated += int(res.RowsAffected)

	default:
		return errors.Newf(errors.CategoryValidation, "unknown batch operation %q", op.Kind)
	}
	return nil
}

func translateWriteError(err error, dedupKey, action string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("failed to %s relance %s: %w", action, dedupKey, ErrPendingConflict)
	}
	return fmt.Errorf("failed to %s relance %s: %w", action, dedupKey, err)
}

// GetRelance returns a single relance by ID.
// Returns ErrRelanceNotFound if the relance does not exist.
func (r *relanceRepository) GetRelance(ctx context.Context, id uint) (*entities.Relance, error) {
	var rel entities.Relance
	if err := r.db.WithContext(ctx).First(&rel, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRelanceNotFound
		}
		return nil, fmt.Errorf("failed to get relance %d: %w", id, err)
	}
	return &rel, nil
}

// FindByDedupKey returns every relance ever written for the key, newest first.
func (r *relanceRepository) FindByDedupKey(ctx context.Context, dedupKey string) ([]entities.Relance, error) {
	var rels []entities.Relance
	if err := r.db.WithContext(ctx).Where("dedup_key = ?", dedupKey).Order("id DESC").Find(&rels).Error; err != nil {
		return nil, fmt.Errorf("failed to find relances by key %s: %w", dedupKey, err)
	}
	return rels, nil
}

// FindPendingByEntity returns the open relances of one entity.
func (r *relanceRepository) FindPendingByEntity(ctx context.Context, entityType, entityID string) ([]entities.Relance, error) {
	var rels []entities.Relance
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status = ?", entityType, entityID, entities.RelanceStatusPending).
		Order("id ASC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find pending relances for %s/%s: %w", entityType, entityID, err)
	}
	return rels, nil
}

// FindByEntity returns all relances of one entity, oldest first.
func (r *relanceRepository) FindByEntity(ctx context.Context, entityType, entityID string) ([]entities.Relance, error) {
	var rels []entities.Relance
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC, id ASC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find relances for %s/%s: %w", entityType, entityID, err)
	}
	return rels, nil
}

// FindOverdue returns pending relances due strictly before now.
func (r *relanceRepository) FindOverdue(ctx context.Context, now time.Time) ([]entities.Relance, error) {
	var rels []entities.Relance
	err := r.db.WithContext(ctx).
		Where("status = ? AND due_at < ?", entities.RelanceStatusPending, now.UTC()).
		Order("due_at ASC, id ASC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue relances: %w", err)
	}
	return rels, nil
}

// FindUpcoming returns pending relances due in [now, now+horizon].
func (r *relanceRepository) FindUpcoming(ctx context.Context, now time.Time, horizon time.Duration) ([]entities.Relance, error) {
	var rels []entities.Relance
	from := now.UTC()
	err := r.db.WithContext(ctx).
		Where("status = ? AND due_at >= ? AND due_at <= ?", entities.RelanceStatusPending, from, from.Add(horizon)).
		Order("due_at ASC, id ASC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find upcoming relances: %w", err)
	}
	return rels, nil
}

// FindByEntityType returns all relances attached to entities of one type.
func (r *relanceRepository) FindByEntityType(ctx context.Context, entityType string) ([]entities.Relance, error) {
	var rels []entities.Relance
	err := r.db.WithContext(ctx).
		Where("entity_type = ?", entityType).
		Order("due_at ASC, id ASC").
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find relances for type %s: %w", entityType, err)
	}
	return rels, nil
}

// MarkManuallyCompleted closes an open relance on behalf of a user.
// Returns ErrRelanceNotFound or ErrRelanceAlreadyCompleted.
func (r *relanceRepository) MarkManuallyCompleted(ctx context.Context, id uint, at time.Time) (*entities.Relance, error) {
	var rel entities.Relance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rel, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRelanceNotFound
			}
			return fmt.Errorf("failed to get relance %d: %w", id, err)
		}
		if rel.Status == entities.RelanceStatusCompleted ||
			(rel.Status == entities.RelanceStatusLegacy && rel.Terminee) {
			return ErrRelanceAlreadyCompleted
		}

		completedAt := at.UTC()
		rel.Status = entities.RelanceStatusCompleted
		rel.CompletedAt = &completedAt
		rel.CompletedBy = entities.CompletedByManual
		rel.CompletionReason = entities.CompletedByManual

		res := tx.Model(&rel).
			Where("status IN ?", []entities.RelanceStatus{entities.RelanceStatusPending, entities.RelanceStatusLegacy}).
			Select(completeColumns).
			Updates(&rel)
		if res.Error != nil {
			return fmt.Errorf("failed to complete relance %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRelanceAlreadyCompleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

// ListEntityKeysAfter pages distinct entities owning automatic relances in
// (entity_type, entity_id) order.
func (r *relanceRepository) ListEntityKeysAfter(ctx context.Context, after EntityKey, limit int) ([]EntityKey, error) {
	var keys []EntityKey
	err := r.db.WithContext(ctx).
		Model(&entities.Relance{}).
		Distinct("entity_type", "entity_id").
		Where("automatic = ?", true).
		Where("entity_type > ? OR (entity_type = ? AND entity_id > ?)", after.EntityType, after.EntityType, after.EntityID).
		Order("entity_type ASC, entity_id ASC").
		Limit(limit).
		Scan(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list relance entities after %s: %w", after, err)
	}
	return keys, nil
}

// ListMissingStatusAfter pages automatic legacy relances by ID.
func (r *relanceRepository) ListMissingStatusAfter(ctx context.Context, afterID uint, limit int) ([]entities.Relance, error) {
	var rels []entities.Relance
	err := r.db.WithContext(ctx).
		Where("automatic = ? AND (status = ? OR status IS NULL) AND id > ?", true, entities.RelanceStatusLegacy, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list relances without status: %w", err)
	}
	return rels, nil
}

// ListAfterID pages every relance by ID.
func (r *relanceRepository) ListAfterID(ctx context.Context, afterID uint, limit int) ([]entities.Relance, error) {
	var rels []entities.Relance
	if err := r.db.WithContext(ctx).Where("id > ?", afterID).Order("id ASC").Limit(limit).Find(&rels).Error; err != nil {
		return nil, fmt.Errorf("failed to list relances after %d: %w", afterID, err)
	}
	return rels, nil
}

// ParseEntityKey reverses EntityKey.String. An empty string yields the zero key.
func ParseEntityKey(s string) EntityKey {
	entityType, entityID, _ := strings.Cut(s, "|")
	return EntityKey{EntityType: entityType, EntityID: entityID}
}
