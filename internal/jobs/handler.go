package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/migration"
	"github.com/tourcraft/relances/internal/relance"
)

// Evaluator evaluates one entity.
type Evaluator interface {
	EvaluateEntity(ctx context.Context, entityType, entityID string) (*relance.Evaluation, error)
}

// Sweeper re-evaluates every entity.
type Sweeper interface {
	SweepOnce(ctx context.Context) (*relance.SweepReport, error)
}

// MigrateFunc runs a migration with the given payload.
type MigrateFunc func(ctx context.Context, p MigratePayload) (*migration.Report, error)

// DigestFunc sends the overdue digest.
type DigestFunc func(ctx context.Context) error

// Handler processes relance tasks. Nil collaborators leave their task type
// unregistered.
type Handler struct {
	Evaluator Evaluator
	Sweeper   Sweeper
	Migrate   MigrateFunc
	Digest    DigestFunc
	Log       logger.Logger
}

// Register adds the handler's task types to mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	if h.Evaluator != nil {
		mux.HandleFunc(TypeEvaluate, h.HandleEvaluate)
	}
	if h.Sweeper != nil {
		mux.HandleFunc(TypeSweep, h.HandleSweep)
	}
	if h.Migrate != nil {
		mux.HandleFunc(TypeMigrate, h.HandleMigrate)
	}
	if h.Digest != nil {
		mux.HandleFunc(TypeDigest, h.HandleDigest)
	}
}

// HandleEvaluate evaluates the entity named by the task.
func (h *Handler) HandleEvaluate(ctx context.Context, t *asynq.Task) error {
	var p EvaluatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid evaluate payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.EntityType == "" || p.EntityID == "" {
		return fmt.Errorf("evaluate payload misses the entity: %w", asynq.SkipRetry)
	}

	ev, err := h.Evaluator.EvaluateEntity(ctx, p.EntityType, p.EntityID)
	if err != nil {
		return retryable(err)
	}
	h.Log.Debug("evaluation task done",
		logger.String("evaluation_id", ev.ID),
		logger.String("entity_type", p.EntityType),
		logger.String("entity_id", p.EntityID),
		logger.Int("writes", ev.Result.Writes()))
	return nil
}

// HandleSweep runs one sweep.
func (h *Handler) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	if _, err := h.Sweeper.SweepOnce(ctx); err != nil {
		return retryable(err)
	}
	return nil
}

// HandleMigrate runs the migration. Failed runs are never retried
// automatically; the checkpoint lets an operator resume them.
func (h *Handler) HandleMigrate(ctx context.Context, t *asynq.Task) error {
	var p MigratePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("invalid migrate payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	report, err := h.Migrate(ctx, p)
	if err != nil {
		return fmt.Errorf("migration failed: %v: %w", err, asynq.SkipRetry)
	}
	h.Log.Info("migration task done",
		logger.String("run_id", report.RunID),
		logger.Int64("updated", report.Updated()))
	return nil
}

// HandleDigest sends the overdue digest.
func (h *Handler) HandleDigest(ctx context.Context, _ *asynq.Task) error {
	return h.Digest(ctx)
}

// retryable lets asynq retry transient failures only.
func retryable(err error) error {
	if errors.IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}
