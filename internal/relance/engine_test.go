package relance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

const overdueKey = "concert|123|contract-overdue"

func TestEngine_ContractOverdueScenario(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	ctx := t.Context()

	require.NoError(t, env.store.Apply(ctx, EntityTypeConcert, "123", concert(8, false), OriginApplication))
	ev, err := env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Result.Created)
	assert.NotEmpty(t, ev.ID)

	pending := env.pending(t, EntityTypeConcert, "123")
	require.Len(t, pending, 1)
	assert.Equal(t, overdueKey, pending[0].DedupKey)
	assert.Equal(t, PriorityHigh, pending[0].Priority)
	createdID := pending[0].ID

	require.NoError(t, env.store.Apply(ctx, EntityTypeConcert, "123", concert(8, true), OriginApplication))
	ev, err = env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Result.Completed)
	assert.Equal(t, 0, ev.Result.Created)

	rel, err := env.relances.GetRelance(ctx, createdID)
	require.NoError(t, err)
	assert.Equal(t, entities.RelanceStatusCompleted, rel.Status)
	assert.True(t, rel.Terminee)
	assert.Equal(t, ReasonResolved, rel.CompletionReason)

	ev, err = env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Result.Writes(), "an unchanged re-evaluation writes nothing")

	history, err := env.relances.FindByDedupKey(ctx, overdueKey)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEngine_ConcurrentEvaluationsCreateOnePending(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	require.NoError(t, env.store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))

	var wg sync.WaitGroup
	for range 2 {
		wg.Go(func() {
			_, err := env.engine.EvaluateEntity(t.Context(), EntityTypeConcert, "123")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Len(t, env.pending(t, EntityTypeConcert, "123"), 1)
}

func TestEngine_ConcurrentEnginesCreateOnePending(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	require.NoError(t, env.store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))

	// A second engine with its own guard stands in for another process.
	cfg := DefaultEngineConfig()
	cfg.RetryInitial = time.Millisecond
	other := NewEngine(cfg, EngineDeps{
		Catalog:  env.engine.Catalog(),
		Types:    env.types,
		Relances: env.relances,
		Source:   env.store,
		Guard:    NewLoopGuard(NewMemorySuppressor(), time.Minute),
		Log:      logger.NewNopLogger(),
	})
	other.now = env.engine.now

	var wg sync.WaitGroup
	for _, e := range []*Engine{env.engine, other} {
		wg.Go(func() {
			_, err := e.EvaluateEntity(t.Context(), EntityTypeConcert, "123")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Len(t, env.pending(t, EntityTypeConcert, "123"), 1)
}

func TestEngine_LoopTerminatesUnderSuppression(t *testing.T) {
	bus := NewMutationBus()
	env := newTestEnv(t, bus, typesByKey(RuleContractOverdue))
	bus.Subscribe(env.engine.HandleMutation)
	t.Cleanup(bus.Stop)

	require.NoError(t, env.store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))

	ownWrites := env.metrics.Skipped.WithLabelValues(SkipOwnWrite)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(ownWrites) == 1
	}, 2*time.Second, 5*time.Millisecond, "the processed marker write comes back as an engine mutation")

	evaluations := env.metrics.Evaluations.WithLabelValues(EntityTypeConcert, "ok")
	assert.InDelta(t, 1, testutil.ToFloat64(evaluations), 0, "one evaluation per logical mutation")
	assert.Len(t, env.pending(t, EntityTypeConcert, "123"), 1)

	snap, err := env.snapshots.Get(t.Context(), EntityTypeConcert, "123")
	require.NoError(t, err)
	require.NotNil(t, snap.ProcessedAt)
	assert.True(t, baseTime.Equal(*snap.ProcessedAt))
}

func TestEngine_DeletionThroughBus(t *testing.T) {
	bus := NewMutationBus()
	env := newTestEnv(t, bus, typesByKey(RuleContractOverdue))
	bus.Subscribe(env.engine.HandleMutation)
	t.Cleanup(bus.Stop)

	require.NoError(t, env.store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))
	require.Eventually(t, func() bool {
		return len(env.pending(t, EntityTypeConcert, "123")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, env.store.Delete(t.Context(), EntityTypeConcert, "123", OriginApplication))
	require.Eventually(t, func() bool {
		return len(env.pending(t, EntityTypeConcert, "123")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	history, err := env.relances.FindByDedupKey(t.Context(), overdueKey)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonEntityDeleted, history[0].CompletionReason)
}

func TestEngine_Admit(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	env.engine.cfg.EvaluationCooldown = time.Minute
	ctx := t.Context()

	same := concert(8, false)
	unchanged := &MutationEvent{EntityType: EntityTypeConcert, EntityID: "123", Before: same, After: same, Origin: OriginApplication}
	changed := &MutationEvent{EntityType: EntityTypeConcert, EntityID: "123", Before: same, After: concert(8, true), Origin: OriginApplication}

	reason, skip := env.engine.Admit(ctx, &MutationEvent{EntityType: EntityTypeConcert, EntityID: "123", Origin: OriginEngine})
	assert.True(t, skip)
	assert.Equal(t, SkipOwnWrite, reason)

	_, skip = env.engine.Admit(ctx, changed)
	assert.False(t, skip, "first mutation is admitted")

	reason, skip = env.engine.Admit(ctx, changed)
	assert.True(t, skip)
	assert.Equal(t, SkipCooldown, reason)

	_, skip = env.engine.Admit(ctx, &MutationEvent{EntityType: EntityTypeConcert, EntityID: "123", Origin: OriginSweep, After: same})
	assert.False(t, skip, "sweeps bypass the cooldown")

	_, err := env.guard.Suppress(ctx, GuardKey(EntityTypeConcert, "123"))
	require.NoError(t, err)
	reason, skip = env.engine.Admit(ctx, unchanged)
	assert.True(t, skip)
	assert.Equal(t, SkipSuppressed, reason)

	_, skip = env.engine.Admit(ctx, &MutationEvent{EntityType: EntityTypeConcert, EntityID: "123", Before: same, Deleted: true})
	assert.False(t, skip, "deletions are always evaluated")
}

func TestEngine_AdmitStrictSuppression(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	env.engine.cfg.StrictSuppression = true
	ctx := t.Context()

	changed := &MutationEvent{
		EntityType: EntityTypeConcert,
		EntityID:   "123",
		Before:     concert(8, false),
		After:      concert(8, true),
		Origin:     OriginApplication,
	}
	_, skip := env.engine.Admit(ctx, changed)
	assert.False(t, skip, "nothing is suppressed yet")

	_, err := env.guard.Suppress(ctx, GuardKey(EntityTypeConcert, "123"))
	require.NoError(t, err)
	reason, skip := env.engine.Admit(ctx, changed)
	assert.True(t, skip)
	assert.Equal(t, SkipSuppressed, reason)

	_, skip = env.engine.Admit(ctx, &MutationEvent{EntityType: EntityTypeConcert, EntityID: "123", Before: concert(8, false), Deleted: true})
	assert.False(t, skip, "deletions are always evaluated")
}

func TestEngine_ChangeWhileSuppressedIsEvaluated(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	ctx := t.Context()

	require.NoError(t, env.store.Apply(ctx, EntityTypeConcert, "123", concert(8, false), OriginApplication))
	_, err := env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	suppressed, err := env.guard.IsSuppressed(ctx, GuardKey(EntityTypeConcert, "123"))
	require.NoError(t, err)
	require.True(t, suppressed, "an evaluation opens the suppression window")

	require.NoError(t, env.store.Apply(ctx, EntityTypeConcert, "123", concert(8, true), OriginApplication))
	require.NoError(t, env.engine.ProcessMutation(ctx, &MutationEvent{
		EntityType: EntityTypeConcert,
		EntityID:   "123",
		Before:     concert(8, false),
		After:      concert(8, true),
		Origin:     OriginApplication,
	}))
	assert.Empty(t, env.pending(t, EntityTypeConcert, "123"))

	same := concert(8, true)
	require.NoError(t, env.engine.ProcessMutation(ctx, &MutationEvent{
		EntityType: EntityTypeConcert, EntityID: "123", Before: same, After: same, Origin: OriginApplication,
	}))
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Skipped.WithLabelValues(SkipSuppressed)), 0)
}

func TestEngine_ManualCompletionWins(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	ctx := t.Context()

	require.NoError(t, env.store.Apply(ctx, EntityTypeConcert, "123", concert(8, false), OriginApplication))
	_, err := env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	pending := env.pending(t, EntityTypeConcert, "123")
	require.Len(t, pending, 1)

	_, err = env.relances.MarkManuallyCompleted(ctx, pending[0].ID, baseTime.Add(time.Hour))
	require.NoError(t, err)

	ev, err := env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Result.Created)
	assert.Equal(t, 1, ev.Result.Blocked)
	assert.Empty(t, env.pending(t, EntityTypeConcert, "123"))

	// Moving the concert moves the anchored due date: a new cycle.
	require.NoError(t, env.store.Apply(ctx, EntityTypeConcert, "123", concert(9, false), OriginApplication))
	ev, err = env.engine.EvaluateEntity(ctx, EntityTypeConcert, "123")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Result.Created)
}

func TestEngine_RuleErrorsAreReported(t *testing.T) {
	defs := append(typesByKey(RuleContractOverdue), entities.RelanceType{
		Key:       "strict",
		Label:     "Strict",
		AppliesTo: EntityTypeConcert,
		Priority:  PriorityLow,
		Predicate: `entity.lieuId == "x"`,
		Enabled:   true,
	})
	env := newTestEnv(t, nil, defs)

	require.NoError(t, env.store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))
	ev, err := env.engine.EvaluateEntity(t.Context(), EntityTypeConcert, "123")
	require.NoError(t, err)

	assert.Contains(t, ev.RuleErrors, "strict")
	assert.Equal(t, 1, ev.Result.Created, "the healthy rule still materializes")
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.RuleErrors.WithLabelValues("strict")), 0)
}

// flakySource fails its first Get calls with the given error.
type flakySource struct {
	EntitySource
	failures atomic.Int32
	calls    atomic.Int32
	err      error
}

func (f *flakySource) Get(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, f.err
	}
	return f.EntitySource.Get(ctx, entityType, entityID)
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	require.NoError(t, env.store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))

	src := &flakySource{EntitySource: env.store, err: errors.New("connection reset")}
	src.failures.Store(2)
	env.engine.source = src

	ev, err := env.engine.EvaluateEntity(t.Context(), EntityTypeConcert, "123")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Result.Created)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestEngine_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	src := &flakySource{EntitySource: env.store, err: errors.New("connection reset")}
	src.failures.Store(100)
	env.engine.source = src

	_, err := env.engine.EvaluateEntity(t.Context(), EntityTypeConcert, "123")
	require.Error(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.Evaluations.WithLabelValues(EntityTypeConcert, "error")), 0)
}

func TestEngine_RefreshRules(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue, RuleEnvoyerContrat))
	assert.Equal(t, 2, env.engine.Catalog().Len())

	rt, err := env.types.GetTypeByKey(t.Context(), RuleEnvoyerContrat)
	require.NoError(t, err)
	require.NoError(t, env.types.ToggleType(t.Context(), rt.ID, false))

	require.NoError(t, env.engine.RefreshRules(t.Context()))
	assert.Equal(t, 1, env.engine.Catalog().Len())
	_, ok := env.engine.Catalog().Rule(RuleEnvoyerContrat)
	assert.False(t, ok)
}

func TestEngine_UnknownEntityIsANoop(t *testing.T) {
	env := newTestEnv(t, nil, typesByKey(RuleContractOverdue))
	ev, err := env.engine.EvaluateEntity(t.Context(), EntityTypeConcert, "404")
	require.NoError(t, err)
	assert.True(t, ev.Deleted)
	assert.Equal(t, 0, ev.Result.Writes())
}
