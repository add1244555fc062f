package v2

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"gorm.io/gorm"
)

const migrationStateID = 1

// StateManager persists the migration runner's state machine:
//
//	idle -> dedupe -> backfill -> completed
//
// Running phases can be paused and resumed; any non-completed state can be
// cancelled back to idle, and completed or failed runs reset to idle.
type StateManager struct {
	db *gorm.DB
}

// NewStateManager creates a StateManager over an initialized store.
func NewStateManager(db *gorm.DB) *StateManager {
	return &StateManager{db: db}
}

// GetState returns the current checkpoint.
func (m *StateManager) GetState() (*entities.MigrationState, error) {
	var state entities.MigrationState
	if err := m.db.First(&state, migrationStateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &entities.MigrationState{ID: migrationStateID, State: entities.MigrationStatusIdle}, nil
		}
		return nil, fmt.Errorf("failed to get migration state: %w", err)
	}
	return &state, nil
}

func (m *StateManager) transition(allowed []entities.MigrationStatus, verb string, apply func(*entities.MigrationState)) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		state := entities.MigrationState{ID: migrationStateID, State: entities.MigrationStatusIdle}
		if err := tx.FirstOrCreate(&state, entities.MigrationState{ID: migrationStateID}).Error; err != nil {
			return fmt.Errorf("failed to load migration state: %w", err)
		}
		if !slices.Contains(allowed, state.State) {
			names := make([]string, len(allowed))
			for i, s := range allowed {
				names[i] = string(s)
			}
			return errors.Newf(errors.CategoryValidation, "cannot %s migration: expected %s, got %s",
				verb, strings.Join(names, " or "), state.State)
		}
		apply(&state)
		if err := tx.Save(&state).Error; err != nil {
			return fmt.Errorf("failed to save migration state: %w", err)
		}
		return nil
	})
}

// Start begins a new run in the dedupe phase.
func (m *StateManager) Start(runID string, dryRun bool) error {
	return m.transition([]entities.MigrationStatus{entities.MigrationStatusIdle}, "start", func(s *entities.MigrationState) {
		now := time.Now().UTC()
		*s = entities.MigrationState{
			ID:        migrationStateID,
			State:     entities.MigrationStatusDedupe,
			RunID:     runID,
			DryRun:    dryRun,
			StartedAt: &now,
		}
	})
}

// TransitionToBackfill ends the dedupe phase and rewinds the cursor.
func (m *StateManager) TransitionToBackfill() error {
	return m.transition([]entities.MigrationStatus{entities.MigrationStatusDedupe}, "backfill", func(s *entities.MigrationState) {
		s.State = entities.MigrationStatusBackfill
		s.Cursor = ""
	})
}

// Progress is the delta applied by one processed page.
type Progress struct {
	Cursor          string
	Processed       int64
	Updated         int64
	DuplicateGroups int64
	Removed         int64
}

// Checkpoint records the cursor of the last processed page and accumulates counters.
func (m *StateManager) Checkpoint(p Progress) error {
	running := []entities.MigrationStatus{entities.MigrationStatusDedupe, entities.MigrationStatusBackfill}
	return m.transition(running, "checkpoint", func(s *entities.MigrationState) {
		s.Cursor = p.Cursor
		s.ProcessedRecords += p.Processed
		s.UpdatedRecords += p.Updated
		s.DuplicateGroups += p.DuplicateGroups
		s.RemovedRecords += p.Removed
	})
}

// Complete finishes the run.
func (m *StateManager) Complete() error {
	return m.transition([]entities.MigrationStatus{entities.MigrationStatusBackfill}, "complete", func(s *entities.MigrationState) {
		now := time.Now().UTC()
		s.State = entities.MigrationStatusCompleted
		s.CompletedAt = &now
		s.Cursor = ""
	})
}

// Fail stops a running or paused run and records the reason.
func (m *StateManager) Fail(reason string) error {
	allowed := []entities.MigrationStatus{
		entities.MigrationStatusDedupe, entities.MigrationStatusBackfill, entities.MigrationStatusPaused,
	}
	return m.transition(allowed, "fail", func(s *entities.MigrationState) {
		s.State = entities.MigrationStatusFailed
		s.ErrorMessage = reason
	})
}

// Pause suspends a running phase. The cursor is kept for Resume.
func (m *StateManager) Pause() error {
	running := []entities.MigrationStatus{entities.MigrationStatusDedupe, entities.MigrationStatusBackfill}
	return m.transition(running, "pause", func(s *entities.MigrationState) {
		s.PausedFrom = s.State
		s.State = entities.MigrationStatusPaused
	})
}

// Resume returns a paused run to the phase it was paused in.
func (m *StateManager) Resume() error {
	return m.transition([]entities.MigrationStatus{entities.MigrationStatusPaused}, "resume", func(s *entities.MigrationState) {
		s.State = s.PausedFrom
		s.PausedFrom = ""
	})
}

// Cancel abandons an unfinished run.
func (m *StateManager) Cancel() error {
	allowed := []entities.MigrationStatus{
		entities.MigrationStatusIdle, entities.MigrationStatusDedupe, entities.MigrationStatusBackfill,
		entities.MigrationStatusPaused, entities.MigrationStatusFailed,
	}
	return m.transition(allowed, "cancel", func(s *entities.MigrationState) {
		*s = entities.MigrationState{ID: migrationStateID, State: entities.MigrationStatusIdle}
	})
}

// Reset returns a finished or failed run to idle, keeping its report until
// the next Start.
func (m *StateManager) Reset() error {
	allowed := []entities.MigrationStatus{entities.MigrationStatusCompleted, entities.MigrationStatusFailed}
	return m.transition(allowed, "reset", func(s *entities.MigrationState) {
		s.State = entities.MigrationStatusIdle
		s.Cursor = ""
		s.PausedFrom = ""
	})
}

// SetError records a non-fatal error message on the checkpoint.
func (m *StateManager) SetError(msg string) error {
	return m.setErrorMessage(msg)
}

// ClearError removes the recorded error message.
func (m *StateManager) ClearError() error {
	return m.setErrorMessage("")
}

func (m *StateManager) setErrorMessage(msg string) error {
	if err := m.db.Model(&entities.MigrationState{}).Where("id = ?", migrationStateID).Update("error_message", msg).Error; err != nil {
		return fmt.Errorf("failed to update migration error: %w", err)
	}
	return nil
}

// IsRunning reports whether a run is in the dedupe or backfill phase.
func (m *StateManager) IsRunning() (bool, error) {
	state, err := m.GetState()
	if err != nil {
		return false, err
	}
	return state.State == entities.MigrationStatusDedupe || state.State == entities.MigrationStatusBackfill, nil
}
