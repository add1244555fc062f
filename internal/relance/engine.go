package relance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

const (
	// lastSeenTTL bounds how long the last evaluated snapshot of an entity is
	// kept to detect rules entering a new due cycle.
	lastSeenTTL = 24 * time.Hour
	// markProcessedTimeout is the deadline for the processed-marker write.
	markProcessedTimeout = 3 * time.Second
	// mutationTimeout bounds one bus-driven evaluation including retries.
	mutationTimeout = 30 * time.Second
)

// EngineConfig tunes the engine.
type EngineConfig struct {
	BatchTimeout         time.Duration
	EvaluationCooldown   time.Duration
	RetryMaxAttempts     int
	RetryInitial         time.Duration
	RetryMaxInterval     time.Duration
	StampProcessedMarker bool
	// StrictSuppression skips every mutation of a suppressed entity, changed
	// data included. The skipped change is picked up by the next sweep.
	StrictSuppression bool
}

// DefaultEngineConfig returns the settings used when none are configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchTimeout:         5 * time.Second,
		RetryMaxAttempts:     3,
		RetryInitial:         200 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
		StampProcessedMarker: true,
	}
}

// EngineConfigFromSettings maps the engine config section.
func EngineConfigFromSettings(s conf.Engine) EngineConfig {
	return EngineConfig{
		BatchTimeout:         s.BatchTimeout.Std(),
		EvaluationCooldown:   s.EvaluationCooldown.Std(),
		RetryMaxAttempts:     s.Retry.MaxAttempts,
		RetryInitial:         s.Retry.InitialInterval.Std(),
		RetryMaxInterval:     s.Retry.MaxInterval.Std(),
		StampProcessedMarker: s.StampProcessedMarker,
		StrictSuppression:    s.StrictSuppression,
	}
}

// Evaluation reports what one entity evaluation did.
type Evaluation struct {
	ID         string             `json:"id"`
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Deleted    bool               `json:"deleted"`
	Result     *MaterializeResult `json:"result"`
	// RuleErrors maps rule keys to the error that kept them from evaluating.
	RuleErrors map[string]string `json:"rule_errors,omitempty"`
}

// Engine evaluates entities against the rule catalog and materializes the
// resulting relances.
type Engine struct {
	cfg          EngineConfig
	catalog      atomic.Pointer[Catalog]
	types        repository.RelanceTypeRepository
	relances     repository.RelanceRepository
	source       EntitySource
	guard        *LoopGuard
	materializer *Materializer
	metrics      *Metrics
	log          logger.Logger

	// cooldown holds entities evaluated within EvaluationCooldown.
	cooldown *gocache.Cache
	// lastSeen holds the last snapshot each entity was evaluated against.
	lastSeen *gocache.Cache

	now func() time.Time
}

// EngineDeps groups the collaborators of an Engine.
type EngineDeps struct {
	Catalog  *Catalog
	Types    repository.RelanceTypeRepository
	Relances repository.RelanceRepository
	Source   EntitySource
	Guard    *LoopGuard
	Metrics  *Metrics
	Log      logger.Logger
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig, deps EngineDeps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = newUnregisteredMetrics()
	}
	if deps.Log == nil {
		deps.Log = logger.NewNopLogger()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultEngineConfig().BatchTimeout
	}
	e := &Engine{
		cfg:          cfg,
		types:        deps.Types,
		relances:     deps.Relances,
		source:       deps.Source,
		guard:        deps.Guard,
		materializer: NewMaterializer(deps.Relances, deps.Metrics, deps.Log),
		metrics:      deps.Metrics,
		log:          deps.Log,
		cooldown:     gocache.New(cfg.EvaluationCooldown, 0),
		lastSeen:     gocache.New(lastSeenTTL, 0),
		now:          time.Now,
	}
	e.catalog.Store(deps.Catalog)
	return e
}

// Catalog returns the rules currently in effect.
func (e *Engine) Catalog() *Catalog {
	return e.catalog.Load()
}

// RefreshRules recompiles the catalog from the enabled relance types. The
// previous catalog stays in effect when compilation fails.
func (e *Engine) RefreshRules(ctx context.Context) error {
	defs, err := e.types.GetEnabledTypes(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryTransient, "failed to load relance types")
	}
	catalog, err := NewCatalog(defs)
	if err != nil {
		return err
	}
	e.catalog.Store(catalog)
	e.log.Info("relance catalog reloaded", logger.Int("rules", catalog.Len()))
	return nil
}

// HandleMutation is the MutationBus subscriber.
func (e *Engine) HandleMutation(ev *MutationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
	defer cancel()
	if err := e.ProcessMutation(ctx, ev); err != nil {
		e.log.Error("failed to evaluate mutation",
			logger.String("entity_type", ev.EntityType),
			logger.String("entity_id", ev.EntityID),
			logger.String("origin", ev.Origin),
			logger.Error(err))
	}
}

// ProcessMutation evaluates the entity behind ev unless Admit filters it.
func (e *Engine) ProcessMutation(ctx context.Context, ev *MutationEvent) error {
	if reason, skip := e.Admit(ctx, ev); skip {
		e.metrics.Skipped.WithLabelValues(reason).Inc()
		e.log.Debug("mutation skipped",
			logger.String("entity_type", ev.EntityType),
			logger.String("entity_id", ev.EntityID),
			logger.String("reason", reason))
		return nil
	}
	_, err := e.evaluate(ctx, ev.EntityType, ev.EntityID, ev.Before)
	return err
}

// Admit decides whether a mutation needs an evaluation. It returns the skip
// reason when it does not.
//
// The engine's own marker writes are always skipped. While an entity is
// suppressed, events that leave its data unchanged are skipped; events
// carrying a real change still go through unless StrictSuppression is set.
func (e *Engine) Admit(ctx context.Context, ev *MutationEvent) (string, bool) {
	if ev.Origin == OriginEngine {
		return SkipOwnWrite, true
	}
	if ev.Deleted {
		return "", false
	}
	key := GuardKey(ev.EntityType, ev.EntityID)
	if e.cfg.StrictSuppression || !ev.ChangesData() {
		suppressed, err := e.guard.IsSuppressed(ctx, key)
		if err != nil {
			e.log.Warn("loop guard unavailable", logger.String("key", key), logger.Error(err))
		}
		if suppressed {
			return SkipSuppressed, true
		}
	}
	if e.cfg.EvaluationCooldown > 0 && ev.Origin != OriginSweep {
		if err := e.cooldown.Add(key, struct{}{}, e.cfg.EvaluationCooldown); err != nil {
			return SkipCooldown, true
		}
	}
	return "", false
}

// EvaluateEntity evaluates one entity against its current snapshot. A missing
// entity completes its pending automatic relances.
func (e *Engine) EvaluateEntity(ctx context.Context, entityType, entityID string) (*Evaluation, error) {
	return e.evaluate(ctx, entityType, entityID, nil)
}

// evaluate runs evaluateOnce, retrying transient failures and pending
// conflicts with exponential backoff.
func (e *Engine) evaluate(ctx context.Context, entityType, entityID string, before map[string]any) (*Evaluation, error) {
	b := backoff.NewExponentialBackOff()
	if e.cfg.RetryInitial > 0 {
		b.InitialInterval = e.cfg.RetryInitial
	}
	if e.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = e.cfg.RetryMaxInterval
	}
	retries := max(e.cfg.RetryMaxAttempts-1, 0)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	op := func() (*Evaluation, error) {
		ev, err := e.evaluateOnce(ctx, entityType, entityID, before)
		if err == nil {
			return ev, nil
		}
		if errors.IsTransient(err) || errors.Is(err, repository.ErrPendingConflict) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		e.log.Warn("retrying relance evaluation",
			logger.String("entity_type", entityType),
			logger.String("entity_id", entityID),
			logger.Duration("wait", wait),
			logger.Error(err))
	}

	start := time.Now()
	ev, err := backoff.RetryNotifyWithData(op, policy, notify)
	e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.Evaluations.WithLabelValues(entityType, "error").Inc()
		return nil, err
	}
	e.metrics.Evaluations.WithLabelValues(entityType, "ok").Inc()
	return ev, nil
}

func (e *Engine) evaluateOnce(ctx context.Context, entityType, entityID string, before map[string]any) (*Evaluation, error) {
	key := GuardKey(entityType, entityID)
	unlock, err := e.guard.Lock(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to acquire entity lock")
	}
	defer unlock()

	ev := &Evaluation{ID: uuid.NewString(), EntityType: entityType, EntityID: entityID}
	log := e.log.With(logger.String("evaluation_id", ev.ID), logger.String("entity", key))

	cur, err := e.source.Get(ctx, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to load entity")
	}

	now := e.now().UTC()
	var outcomes []RuleOutcome
	if cur == nil {
		ev.Deleted = true
		if outcomes, err = e.deletionOutcomes(ctx, entityType, entityID); err != nil {
			return nil, err
		}
	} else {
		prev := before
		if seen, ok := e.lastSeen.Get(key); ok {
			prev = seen.(map[string]any)
		}
		outcomes = NewDiffer(e.Catalog()).Diff(entityType, entityID, prev, cur, now)
		ev.RuleErrors = e.reportRuleErrors(log, key, outcomes)
	}

	batchCtx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
	defer cancel()
	ref := EntityRef{Type: entityType, ID: entityID, Name: entityName(cur)}
	result, err := e.materializer.Materialize(batchCtx, ref, outcomes, now)
	if err != nil {
		return nil, err
	}
	ev.Result = result

	if cur == nil {
		e.lastSeen.Delete(key)
	} else {
		e.lastSeen.SetDefault(key, cur)
		e.stampProcessed(ctx, log, entityType, entityID, now)
	}

	if result.Writes() > 0 {
		log.Info("relances materialized",
			logger.Int("created", result.Created),
			logger.Int("updated", result.Updated),
			logger.Int("completed", result.Completed))
	}
	return ev, nil
}

// deletionOutcomes resolves every pending automatic relance of a deleted
// entity, including those whose rule is no longer in the catalog.
func (e *Engine) deletionOutcomes(ctx context.Context, entityType, entityID string) ([]RuleOutcome, error) {
	pending, err := e.relances.FindPendingByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to load pending relances")
	}
	seen := make(map[string]bool, len(pending))
	var outcomes []RuleOutcome
	for i := range pending {
		rule := pending[i].RuleTypeID
		if !pending[i].Automatic || seen[rule] {
			continue
		}
		seen[rule] = true
		outcomes = append(outcomes, RuleOutcome{
			RuleTypeID: rule,
			Resolved:   true,
			Priority:   pending[i].Priority,
			Reason:     ReasonEntityDeleted,
		})
	}
	return outcomes, nil
}

func (e *Engine) reportRuleErrors(log logger.Logger, key string, outcomes []RuleOutcome) map[string]string {
	var failed map[string]string
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err == nil {
			continue
		}
		if failed == nil {
			failed = make(map[string]string)
		}
		failed[o.RuleTypeID] = o.Err.Error()
		e.metrics.RuleErrors.WithLabelValues(o.RuleTypeID).Inc()
		log.Warn("rule evaluation failed", logger.String("rule", o.RuleTypeID), logger.Error(o.Err))
		errors.Report(errors.Wrap(o.Err, errors.CategoryRuleEvaluation, "rule evaluation failed"),
			map[string]string{"rule": o.RuleTypeID, "entity": key})
	}
	return failed
}

// stampProcessed opens the suppression window and writes the processed
// marker. The marker is skipped when a window is already open.
func (e *Engine) stampProcessed(ctx context.Context, log logger.Logger, entityType, entityID string, now time.Time) {
	opened, err := e.guard.Suppress(ctx, GuardKey(entityType, entityID))
	if err != nil {
		log.Warn("failed to open suppression window", logger.Error(err))
		return
	}
	if !opened || !e.cfg.StampProcessedMarker {
		return
	}
	markCtx, cancel := context.WithTimeout(ctx, markProcessedTimeout)
	defer cancel()
	if err := e.source.MarkProcessed(markCtx, entityType, entityID, now); err != nil {
		log.Warn("failed to stamp processed marker", logger.Error(err))
	}
}

// Prune drops expired cache entries and suppression windows.
func (e *Engine) Prune() {
	e.cooldown.DeleteExpired()
	e.lastSeen.DeleteExpired()
	e.guard.Prune()
}
