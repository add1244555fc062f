package repository

import (
	"context"
	"fmt"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"gorm.io/gorm"
)

// relanceTypeRepository implements RelanceTypeRepository.
type relanceTypeRepository struct {
	db *gorm.DB
}

// NewRelanceTypeRepository creates a new RelanceTypeRepository.
func NewRelanceTypeRepository(db *gorm.DB) RelanceTypeRepository {
	return &relanceTypeRepository{db: db}
}

// ListTypes returns catalog rows matching the filter in catalog order.
func (r *relanceTypeRepository) ListTypes(ctx context.Context, filter RelanceTypeFilter) ([]entities.RelanceType, error) {
	var types []entities.RelanceType
	query := r.db.WithContext(ctx)

	if filter.AppliesTo != "" {
		query = query.Where("applies_to = ?", filter.AppliesTo)
	}
	if filter.Enabled != nil {
		query = query.Where("enabled = ?", *filter.Enabled)
	}
	if filter.BuiltIn != nil {
		query = query.Where("built_in = ?", *filter.BuiltIn)
	}

	if err := query.Order("sort_order ASC, id ASC").Find(&types).Error; err != nil {
		return nil, fmt.Errorf("failed to list relance types: %w", err)
	}
	return types, nil
}

// GetType returns a catalog row by ID.
// Returns ErrRelanceTypeNotFound if the row does not exist.
func (r *relanceTypeRepository) GetType(ctx context.Context, id uint) (*entities.RelanceType, error) {
	var rt entities.RelanceType
	if err := r.db.WithContext(ctx).First(&rt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRelanceTypeNotFound
		}
		return nil, fmt.Errorf("failed to get relance type %d: %w", id, err)
	}
	return &rt, nil
}

// GetTypeByKey returns a catalog row by its rule key.
func (r *relanceTypeRepository) GetTypeByKey(ctx context.Context, key string) (*entities.RelanceType, error) {
	var rt entities.RelanceType
	if err := r.db.WithContext(ctx).Where("rule_key = ?", key).First(&rt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRelanceTypeNotFound
		}
		return nil, fmt.Errorf("failed to get relance type %s: %w", key, err)
	}
	return &rt, nil
}

// CreateType inserts a catalog row.
func (r *relanceTypeRepository) CreateType(ctx context.Context, rt *entities.RelanceType) error {
	if err := r.db.WithContext(ctx).Create(rt).Error; err != nil {
		return fmt.Errorf("failed to create relance type %s: %w", rt.Key, err)
	}
	return nil
}

// UpdateType replaces a catalog row.
func (r *relanceTypeRepository) UpdateType(ctx context.Context, rt *entities.RelanceType) error {
	if rt.ID == 0 {
		return fmt.Errorf("failed to update relance type: missing ID")
	}
	if err := r.db.WithContext(ctx).Save(rt).Error; err != nil {
		return fmt.Errorf("failed to update relance type %s: %w", rt.Key, err)
	}
	return nil
}

// ToggleType enables or disables a rule. The engine picks the change up on
// its next catalog load.
func (r *relanceTypeRepository) ToggleType(ctx context.Context, id uint, enabled bool) error {
	result := r.db.WithContext(ctx).Model(&entities.RelanceType{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("failed to toggle relance type %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRelanceTypeNotFound
	}
	return nil
}

// GetEnabledTypes returns all enabled catalog rows.
func (r *relanceTypeRepository) GetEnabledTypes(ctx context.Context) ([]entities.RelanceType, error) {
	enabled := true
	return r.ListTypes(ctx, RelanceTypeFilter{Enabled: &enabled})
}

// DeleteBuiltInTypes deletes all built-in catalog rows.
func (r *relanceTypeRepository) DeleteBuiltInTypes(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Where("built_in = ?", true).Delete(&entities.RelanceType{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete built-in relance types: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountTypesByKey returns the number of catalog rows with the given key.
func (r *relanceTypeRepository) CountTypesByKey(ctx context.Context, key string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&entities.RelanceType{}).Where("rule_key = ?", key).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count relance types by key: %w", err)
	}
	return count, nil
}
