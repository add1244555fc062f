package repository

import "github.com/tourcraft/relances/internal/errors"

var (
	// ErrRelanceNotFound is returned when a relance does not exist.
	ErrRelanceNotFound = errors.Newf(errors.CategoryNotFound, "relance not found")
	// ErrRelanceAlreadyCompleted is returned when completing a closed relance.
	ErrRelanceAlreadyCompleted = errors.Newf(errors.CategoryValidation, "relance already completed")
	// ErrPendingConflict is returned when a write would leave two pending
	// relances with the same dedup key.
	ErrPendingConflict = errors.Newf(errors.CategoryInvariant, "pending relance already exists")
	// ErrRelanceTypeNotFound is returned when a catalog row does not exist.
	ErrRelanceTypeNotFound = errors.Newf(errors.CategoryNotFound, "relance type not found")
	// ErrSnapshotNotFound is returned when no mirror row exists for an entity.
	ErrSnapshotNotFound = errors.Newf(errors.CategoryNotFound, "entity snapshot not found")
)
