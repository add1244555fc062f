package relance

import (
	"context"
	"time"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

// EntityRef identifies the entity a batch of outcomes belongs to.
type EntityRef struct {
	Type string
	ID   string
	Name string
}

// MaterializeResult summarizes one Materialize call.
type MaterializeResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Completed int `json:"completed"`
	// Blocked counts creations skipped because of a manual completion in the
	// same due cycle.
	Blocked int `json:"blocked"`
	// Violations lists dedup keys holding more than one pending relance.
	Violations []string `json:"violations,omitempty"`
}

// Writes returns the number of relances changed.
func (r *MaterializeResult) Writes() int {
	return r.Created + r.Updated + r.Completed
}

// Materializer turns rule outcomes into relance writes.
type Materializer struct {
	repo    repository.RelanceRepository
	metrics *Metrics
	log     logger.Logger
}

// NewMaterializer creates a Materializer.
func NewMaterializer(repo repository.RelanceRepository, metrics *Metrics, log logger.Logger) *Materializer {
	if metrics == nil {
		metrics = newUnregisteredMetrics()
	}
	return &Materializer{repo: repo, metrics: metrics, log: log}
}

// Materialize reconciles the automatic relances of one entity with outcomes.
// All writes go out as one batch; replaying the same outcomes writes nothing.
func (m *Materializer) Materialize(ctx context.Context, ref EntityRef, outcomes []RuleOutcome, now time.Time) (*MaterializeResult, error) {
	now = now.UTC()
	pending, err := m.repo.FindPendingByEntity(ctx, ref.Type, ref.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to load pending relances")
	}
	byKey := make(map[string][]*entities.Relance, len(pending))
	for i := range pending {
		if !pending[i].Automatic {
			continue
		}
		byKey[pending[i].DedupKey] = append(byKey[pending[i].DedupKey], &pending[i])
	}

	result := &MaterializeResult{}
	var ops []repository.BatchOp
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err != nil {
			continue
		}
		key := entities.DedupKey(ref.Type, ref.ID, o.RuleTypeID)
		live := byKey[key]

		if len(live) > 1 {
			m.flagViolation(key, len(live))
			result.Violations = append(result.Violations, key)
			continue
		}

		switch {
		case o.ShouldExist && len(live) == 1:
			if op, ok := updateOp(live[0], o); ok {
				ops = append(ops, op)
			}

		case o.ShouldExist:
			blocked, err := m.blockedByManualCompletion(ctx, key, o)
			if err != nil {
				return nil, err
			}
			if blocked {
				result.Blocked++
				m.metrics.ManualBlocks.Inc()
				continue
			}
			ops = append(ops, repository.BatchOp{Kind: repository.OpCreate, Relance: newRelance(ref, key, o, now)})

		case len(live) == 1:
			rel := live[0]
			completedAt := now
			rel.Status = entities.RelanceStatusCompleted
			rel.CompletedAt = &completedAt
			rel.CompletedBy = entities.CompletedByEngine
			rel.CompletionReason = o.Reason
			ops = append(ops, repository.BatchOp{Kind: repository.OpComplete, Relance: rel})
		}
	}

	if len(ops) == 0 {
		return result, nil
	}
	batch, err := m.repo.UpsertBatch(ctx, ops)
	if err != nil {
		if errors.Is(err, repository.ErrPendingConflict) {
			m.metrics.InvariantViolations.Inc()
			return nil, err
		}
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to write relance batch")
	}
	result.Created = batch.Created
	result.Updated = batch.Updated
	result.Completed = batch.Completed
	m.metrics.Writes.WithLabelValues("created").Add(float64(batch.Created))
	m.metrics.Writes.WithLabelValues("updated").Add(float64(batch.Updated))
	m.metrics.Writes.WithLabelValues("completed").Add(float64(batch.Completed))
	return result, nil
}

// updateOp returns an update when the priority changed, or when an anchored
// due date moved. createdAt is never rewritten.
func updateOp(rel *entities.Relance, o *RuleOutcome) (repository.BatchOp, bool) {
	changed := false
	if rel.Priority != o.Priority {
		rel.Priority = o.Priority
		changed = true
	}
	if o.Anchored && !rel.DueAt.Equal(o.DueAt) {
		rel.DueAt = o.DueAt
		changed = true
	}
	return repository.BatchOp{Kind: repository.OpUpdate, Relance: rel}, changed
}

func newRelance(ref EntityRef, key string, o *RuleOutcome, now time.Time) *entities.Relance {
	return &entities.Relance{
		DedupKey:   key,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		EntityName: ref.Name,
		RuleTypeID: o.RuleTypeID,
		Label:      o.Label,
		Priority:   o.Priority,
		Status:     entities.RelanceStatusPending,
		Automatic:  true,
		DueAt:      o.DueAt,
		CreatedAt:  now,
	}
}

// blockedByManualCompletion reports whether the latest relance for key was
// completed by a user in the current due cycle. A cycle ends when the rule
// re-enters, or for anchored rules when the due date moves.
func (m *Materializer) blockedByManualCompletion(ctx context.Context, key string, o *RuleOutcome) (bool, error) {
	if o.Entered {
		return false, nil
	}
	history, err := m.repo.FindByDedupKey(ctx, key)
	if err != nil {
		return false, errors.Wrap(err, errors.CategoryTransient, "failed to load relance history")
	}
	if len(history) == 0 {
		return false, nil
	}
	latest := &history[0]
	if latest.Status != entities.RelanceStatusCompleted || latest.CompletedBy != entities.CompletedByManual {
		return false, nil
	}
	if o.Anchored {
		return latest.DueAt.Equal(o.DueAt), nil
	}
	return true, nil
}

func (m *Materializer) flagViolation(key string, count int) {
	m.metrics.InvariantViolations.Inc()
	err := errors.Newf(errors.CategoryInvariant, "%d pending relances share dedup key %s", count, key).
		WithContext("dedup_key", key)
	m.log.Error("relance invariant violated, leaving records for the duplicate detector",
		logger.String("dedup_key", key),
		logger.Int("pending", count))
	errors.Report(err, map[string]string{"dedup_key": key})
}
