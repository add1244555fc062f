// Package migration repairs relance records written before the status
// lifecycle existed: it removes duplicate live relances, then backfills the
// status of legacy records. Runs are checkpointed and safe to repeat.
package migration

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tourcraft/relances/internal/conf"
	v2 "github.com/tourcraft/relances/internal/datastore/v2"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

// Duplicate handling modes.
const (
	ActionComplete = "complete"
	ActionDelete   = "delete"
)

const (
	defaultPageSize = 200
	// ReasonDuplicate is recorded on relances closed by the duplicate pass.
	ReasonDuplicate = "duplicate"
	// ReasonMigrated is recorded on legacy relances found already done.
	ReasonMigrated = "migrated"
)

// ErrInterrupted is returned when the run was paused or cancelled between pages.
var ErrInterrupted = errors.Newf(errors.CategoryValidation, "migration interrupted")

// Config tunes a run.
type Config struct {
	PageSize int
	// PagesPerSecond throttles page processing. Zero means unlimited.
	PagesPerSecond  float64
	DuplicateAction string
	DryRun          bool
}

// ConfigFromSettings maps the migration config section.
func ConfigFromSettings(s conf.Migration) Config {
	return Config{
		PageSize:        s.PageSize,
		PagesPerSecond:  s.PagesPerSecond,
		DuplicateAction: s.DuplicateAction,
	}
}

// Report summarizes a run.
type Report struct {
	RunID           string        `json:"run_id"`
	DryRun          bool          `json:"dry_run"`
	Processed       int64         `json:"processed"`
	Backfilled      int64         `json:"backfilled"`
	DuplicateGroups int64         `json:"duplicate_groups"`
	Removed         int64         `json:"removed"`
	Duration        time.Duration `json:"duration"`
}

// Updated is the number of records the run changed or would change.
func (r *Report) Updated() int64 {
	return r.Backfilled + r.Removed
}

// Runner executes the duplicate pass followed by the status backfill.
type Runner struct {
	relances repository.RelanceRepository
	state    *v2.StateManager
	cfg      Config
	limiter  *rate.Limiter
	log      logger.Logger
	now      func() time.Time
}

// NewRunner creates a runner.
func NewRunner(relances repository.RelanceRepository, state *v2.StateManager, cfg Config, log logger.Logger) *Runner {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.DuplicateAction == "" {
		cfg.DuplicateAction = ActionComplete
	}
	limit := rate.Inf
	if cfg.PagesPerSecond > 0 {
		limit = rate.Limit(cfg.PagesPerSecond)
	}
	return &Runner{
		relances: relances,
		state:    state,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		log:      log,
		now:      time.Now,
	}
}

// State returns the persisted checkpoint.
func (r *Runner) State() (*entities.MigrationState, error) {
	return r.state.GetState()
}

// Pause, Resume and Cancel drive a run from another goroutine or process.
func (r *Runner) Pause() error  { return r.state.Pause() }
func (r *Runner) Resume() error { return r.state.Resume() }
func (r *Runner) Cancel() error { return r.state.Cancel() }

// Run executes a run to completion. An interrupted run restarts from its
// checkpoint on the next call.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.cfg.DuplicateAction != ActionComplete && r.cfg.DuplicateAction != ActionDelete {
		return nil, errors.Newf(errors.CategoryConfiguration, "unknown duplicate action %q", r.cfg.DuplicateAction)
	}
	state, err := r.begin()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{RunID: state.RunID, DryRun: state.DryRun}
	log := r.log.With(logger.String("run_id", state.RunID), logger.Bool("dry_run", state.DryRun))
	log.Info("relance migration started", logger.String("phase", string(state.State)))

	if state.State == entities.MigrationStatusDedupe {
		if err := r.dedupe(ctx, state, report); err != nil {
			return r.stop(log, report, err)
		}
		if err := r.state.TransitionToBackfill(); err != nil {
			return r.stop(log, report, err)
		}
		state.Cursor = ""
	}
	if err := r.backfill(ctx, state, report); err != nil {
		return r.stop(log, report, err)
	}
	if err := r.state.Complete(); err != nil {
		return r.stop(log, report, err)
	}

	report.Duration = time.Since(start)
	log.Info("relance migration completed",
		logger.Int64("processed", report.Processed),
		logger.Int64("backfilled", report.Backfilled),
		logger.Int64("duplicate_groups", report.DuplicateGroups),
		logger.Int64("removed", report.Removed),
		logger.Duration("duration", report.Duration))
	return report, nil
}

// begin starts a fresh run or picks up an unfinished one.
func (r *Runner) begin() (*entities.MigrationState, error) {
	state, err := r.state.GetState()
	if err != nil {
		return nil, err
	}
	switch state.State {
	case entities.MigrationStatusDedupe, entities.MigrationStatusBackfill:
		return state, nil
	case entities.MigrationStatusPaused:
		return nil, errors.Newf(errors.CategoryValidation, "migration %s is paused", state.RunID)
	case entities.MigrationStatusCompleted, entities.MigrationStatusFailed:
		if err := r.state.Reset(); err != nil {
			return nil, err
		}
	}
	if err := r.state.Start(uuid.NewString(), r.cfg.DryRun); err != nil {
		return nil, err
	}
	return r.state.GetState()
}

func (r *Runner) stop(log logger.Logger, report *Report, err error) (*Report, error) {
	if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		log.Info("relance migration interrupted", logger.Int64("processed", report.Processed))
		return report, err
	}
	log.Error("relance migration failed", logger.Error(err))
	if failErr := r.state.Fail(err.Error()); failErr != nil {
		log.Warn("failed to record migration failure", logger.Error(failErr))
	}
	return report, err
}

// nextPage waits for the rate limiter and checks that the run is still in phase.
func (r *Runner) nextPage(ctx context.Context, phase entities.MigrationStatus) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	state, err := r.state.GetState()
	if err != nil {
		return err
	}
	if state.State != phase {
		return ErrInterrupted
	}
	return nil
}

func (r *Runner) dedupe(ctx context.Context, state *entities.MigrationState, report *Report) error {
	cursor := repository.ParseEntityKey(state.Cursor)
	for {
		if err := r.nextPage(ctx, entities.MigrationStatusDedupe); err != nil {
			return err
		}
		keys, err := r.relances.ListEntityKeysAfter(ctx, cursor, r.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		var progress v2.Progress
		var ops []repository.BatchOp
		for _, key := range keys {
			rels, err := r.relances.FindByEntity(ctx, key.EntityType, key.EntityID)
			if err != nil {
				return err
			}
			for _, group := range FindDuplicates(rels) {
				progress.DuplicateGroups++
				for i := range group.Extra {
					ops = append(ops, r.duplicateOp(&group.Extra[i]))
					progress.Removed++
				}
			}
		}
		if err := r.apply(ctx, state.DryRun, ops); err != nil {
			return err
		}

		cursor = keys[len(keys)-1]
		progress.Cursor = cursor.String()
		progress.Processed = int64(len(keys))
		if err := r.state.Checkpoint(progress); err != nil {
			return err
		}
		report.Processed += progress.Processed
		report.DuplicateGroups += progress.DuplicateGroups
		report.Removed += progress.Removed

		if len(keys) < r.cfg.PageSize {
			return nil
		}
	}
}

func (r *Runner) duplicateOp(rel *entities.Relance) repository.BatchOp {
	if r.cfg.DuplicateAction == ActionDelete {
		return repository.BatchOp{Kind: repository.OpDelete, Relance: rel}
	}
	now := r.now().UTC()
	if rel.DedupKey == "" {
		rel.DedupKey = entities.DedupKey(rel.EntityType, rel.EntityID, rel.RuleTypeID)
	}
	rel.Status = entities.RelanceStatusCompleted
	rel.CompletedAt = &now
	rel.CompletedBy = entities.CompletedByMigration
	rel.CompletionReason = ReasonDuplicate
	rel.MigratedAt = &now
	return repository.BatchOp{Kind: repository.OpMigrate, Relance: rel}
}

func (r *Runner) backfill(ctx context.Context, state *entities.MigrationState, report *Report) error {
	var afterID uint
	if state.Cursor != "" {
		id, err := strconv.ParseUint(state.Cursor, 10, 64)
		if err != nil {
			return errors.Newf(errors.CategoryInvariant, "invalid backfill cursor %q: %w", state.Cursor, err)
		}
		afterID = uint(id)
	}

	for {
		if err := r.nextPage(ctx, entities.MigrationStatusBackfill); err != nil {
			return err
		}
		page, err := r.relances.ListMissingStatusAfter(ctx, afterID, r.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		ops, err := r.backfillOps(ctx, page)
		if err != nil {
			return err
		}
		if err := r.apply(ctx, state.DryRun, ops); err != nil {
			return err
		}

		afterID = page[len(page)-1].ID
		progress := v2.Progress{
			Cursor:    strconv.FormatUint(uint64(afterID), 10),
			Processed: int64(len(page)),
			Updated:   int64(len(ops)),
		}
		if err := r.state.Checkpoint(progress); err != nil {
			return err
		}
		report.Processed += progress.Processed
		report.Backfilled += progress.Updated

		if len(page) < r.cfg.PageSize {
			return nil
		}
	}
}

// backfillOps derives the status of legacy relances from terminee. A legacy
// record that would become a second pending relance for its dedup key is
// closed as a duplicate instead.
func (r *Runner) backfillOps(ctx context.Context, page []entities.Relance) ([]repository.BatchOp, error) {
	now := r.now().UTC()
	claimed := make(map[string]bool)
	ops := make([]repository.BatchOp, 0, len(page))
	for i := range page {
		rel := &page[i]
		if rel.DedupKey == "" {
			rel.DedupKey = entities.DedupKey(rel.EntityType, rel.EntityID, rel.RuleTypeID)
		}
		rel.MigratedAt = &now

		if rel.Terminee {
			rel.Status = entities.RelanceStatusCompleted
			if rel.CompletedAt == nil {
				completedAt := rel.UpdatedAt
				rel.CompletedAt = &completedAt
			}
			if rel.CompletedBy == "" {
				rel.CompletedBy = entities.CompletedByMigration
				rel.CompletionReason = ReasonMigrated
			}
			ops = append(ops, repository.BatchOp{Kind: repository.OpMigrate, Relance: rel})
			continue
		}

		taken, err := r.pendingExists(ctx, rel, claimed)
		if err != nil {
			return nil, err
		}
		if taken {
			rel.Status = entities.RelanceStatusCompleted
			rel.CompletedAt = &now
			rel.CompletedBy = entities.CompletedByMigration
			rel.CompletionReason = ReasonDuplicate
		} else {
			rel.Status = entities.RelanceStatusPending
			claimed[rel.DedupKey] = true
		}
		ops = append(ops, repository.BatchOp{Kind: repository.OpMigrate, Relance: rel})
	}
	return ops, nil
}

func (r *Runner) pendingExists(ctx context.Context, rel *entities.Relance, claimed map[string]bool) (bool, error) {
	if claimed[rel.DedupKey] {
		return true, nil
	}
	history, err := r.relances.FindByDedupKey(ctx, rel.DedupKey)
	if err != nil {
		return false, err
	}
	for i := range history {
		if history[i].ID != rel.ID && history[i].Status == entities.RelanceStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *Runner) apply(ctx context.Context, dryRun bool, ops []repository.BatchOp) error {
	if dryRun || len(ops) == 0 {
		return nil
	}
	if _, err := r.relances.UpsertBatch(ctx, ops); err != nil {
		return errors.Wrap(err, errors.CategoryTransient, "failed to write migration batch")
	}
	return nil
}
