package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

// TaskClient is the subset of *asynq.Client used to enqueue tasks.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules relance tasks.
type Enqueuer struct {
	client    TaskClient
	uniqueFor time.Duration
	log       logger.Logger
}

// NewEnqueuer creates an Enqueuer. Evaluations of the same entity enqueued
// within uniqueFor collapse into one task; zero disables collapsing.
func NewEnqueuer(client TaskClient, uniqueFor time.Duration, log logger.Logger) *Enqueuer {
	return &Enqueuer{client: client, uniqueFor: uniqueFor, log: log}
}

// EnqueueEvaluation schedules the evaluation of one entity. It reports false
// when an identical task is already queued.
func (e *Enqueuer) EnqueueEvaluation(ctx context.Context, entityType, entityID string) (bool, error) {
	task, err := NewEvaluateTask(entityType, entityID)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryValidation, "invalid evaluation task")
	}
	opts := []asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(5)}
	if e.uniqueFor > 0 {
		opts = append(opts, asynq.Unique(e.uniqueFor))
	}
	return e.enqueue(ctx, task, opts...)
}

// EnqueueSweep schedules a full sweep.
func (e *Enqueuer) EnqueueSweep(ctx context.Context) (bool, error) {
	return e.enqueue(ctx, NewSweepTask(), asynq.Queue(QueueLow), asynq.MaxRetry(1), asynq.Unique(time.Hour))
}

// EnqueueMigration schedules a migration run. Only one can be queued at a time.
func (e *Enqueuer) EnqueueMigration(ctx context.Context, p MigratePayload) (bool, error) {
	task, err := NewMigrateTask(p)
	if err != nil {
		return false, err
	}
	return e.enqueue(ctx, task, asynq.Queue(QueueLow), asynq.MaxRetry(0), asynq.Unique(24*time.Hour), asynq.Timeout(6*time.Hour))
}

// EnqueueDigest schedules an overdue digest.
func (e *Enqueuer) EnqueueDigest(ctx context.Context) (bool, error) {
	return e.enqueue(ctx, NewDigestTask(), asynq.Queue(QueueLow), asynq.MaxRetry(3))
}

func (e *Enqueuer) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (bool, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) || errors.Is(err, asynq.ErrTaskIDConflict) {
			e.log.Debug("task already queued", logger.String("task_type", task.Type()))
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue task %s: %w", task.Type(), err)
	}
	e.log.Debug("task enqueued",
		logger.String("task_type", task.Type()),
		logger.String("task_id", info.ID),
		logger.String("queue", info.Queue))
	return true, nil
}
