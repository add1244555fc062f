// Package jobs exposes relance evaluation, sweeps, migrations and digests as
// asynq tasks so they can be triggered from other services and run on any
// worker sharing the Redis instance.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypeEvaluate = "relance:evaluate"
	TypeSweep    = "relance:sweep"
	TypeMigrate  = "relance:migrate"
	TypeDigest   = "relance:digest"
)

// Queue names and weights.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues returns the asynq queue priorities.
func Queues() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
}

// EvaluatePayload names the entity to evaluate.
type EvaluatePayload struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// MigratePayload parameterizes a migration run.
type MigratePayload struct {
	DryRun          bool   `json:"dry_run"`
	DuplicateAction string `json:"duplicate_action,omitempty"`
}

// NewEvaluateTask creates a task evaluating one entity.
func NewEvaluateTask(entityType, entityID string) (*asynq.Task, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("entity type and id are required")
	}
	payload, err := json.Marshal(EvaluatePayload{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode evaluate payload: %w", err)
	}
	return asynq.NewTask(TypeEvaluate, payload), nil
}

// NewSweepTask creates a task re-evaluating every mirrored entity.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil)
}

// NewMigrateTask creates a migration task.
func NewMigrateTask(p MigratePayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode migrate payload: %w", err)
	}
	return asynq.NewTask(TypeMigrate, payload), nil
}

// NewDigestTask creates a task sending the overdue digest.
func NewDigestTask() *asynq.Task {
	return asynq.NewTask(TypeDigest, nil)
}
