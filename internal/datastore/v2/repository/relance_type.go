package repository

import (
	"context"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
)

// RelanceTypeRepository handles the rule catalog rows.
type RelanceTypeRepository interface {
	ListTypes(ctx context.Context, filter RelanceTypeFilter) ([]entities.RelanceType, error)
	GetType(ctx context.Context, id uint) (*entities.RelanceType, error)
	GetTypeByKey(ctx context.Context, key string) (*entities.RelanceType, error)
	CreateType(ctx context.Context, rt *entities.RelanceType) error
	UpdateType(ctx context.Context, rt *entities.RelanceType) error
	ToggleType(ctx context.Context, id uint, enabled bool) error

	// Bulk operations
	GetEnabledTypes(ctx context.Context) ([]entities.RelanceType, error)
	DeleteBuiltInTypes(ctx context.Context) (int64, error)
	CountTypesByKey(ctx context.Context, key string) (int64, error)
}

// RelanceTypeFilter controls catalog listing queries.
type RelanceTypeFilter struct {
	AppliesTo string
	Enabled   *bool
	BuiltIn   *bool
}
