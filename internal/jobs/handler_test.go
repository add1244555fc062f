package jobs

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/migration"
	"github.com/tourcraft/relances/internal/relance"
)

type fakeEvaluator struct {
	calls []EvaluatePayload
	err   error
}

func (f *fakeEvaluator) EvaluateEntity(_ context.Context, entityType, entityID string) (*relance.Evaluation, error) {
	f.calls = append(f.calls, EvaluatePayload{EntityType: entityType, EntityID: entityID})
	if f.err != nil {
		return nil, f.err
	}
	return &relance.Evaluation{ID: "ev-1", EntityType: entityType, EntityID: entityID, Result: &relance.MaterializeResult{Created: 1}}, nil
}

type fakeSweeper struct {
	runs int
	err  error
}

func (f *fakeSweeper) SweepOnce(context.Context) (*relance.SweepReport, error) {
	f.runs++
	return &relance.SweepReport{}, f.err
}

func newHandler(ev Evaluator, sw Sweeper) *Handler {
	return &Handler{Evaluator: ev, Sweeper: sw, Log: logger.NewNopLogger()}
}

func TestHandler_Evaluate(t *testing.T) {
	ev := &fakeEvaluator{}
	mux := asynq.NewServeMux()
	newHandler(ev, nil).Register(mux)

	task, err := NewEvaluateTask("concert", "123")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(t.Context(), task))
	assert.Equal(t, []EvaluatePayload{{EntityType: "concert", EntityID: "123"}}, ev.calls)
}

func TestHandler_EvaluateBadPayload(t *testing.T) {
	ev := &fakeEvaluator{}
	h := newHandler(ev, nil)

	err := h.HandleEvaluate(t.Context(), asynq.NewTask(TypeEvaluate, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleEvaluate(t.Context(), asynq.NewTask(TypeEvaluate, []byte(`{"entity_type":"concert"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, ev.calls)
}

func TestHandler_EvaluateRetriesOnlyTransientErrors(t *testing.T) {
	task, err := NewEvaluateTask("concert", "123")
	require.NoError(t, err)

	transient := &fakeEvaluator{err: errors.Newf(errors.CategoryTransient, "database locked")}
	err = newHandler(transient, nil).HandleEvaluate(t.Context(), task)
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	invalid := &fakeEvaluator{err: errors.Newf(errors.CategoryValidation, "unknown entity type")}
	err = newHandler(invalid, nil).HandleEvaluate(t.Context(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestHandler_Sweep(t *testing.T) {
	sw := &fakeSweeper{}
	mux := asynq.NewServeMux()
	newHandler(nil, sw).Register(mux)

	require.NoError(t, mux.ProcessTask(t.Context(), NewSweepTask()))
	assert.Equal(t, 1, sw.runs)

	// Unregistered task types are rejected by the mux.
	task, err := NewEvaluateTask("concert", "1")
	require.NoError(t, err)
	require.Error(t, mux.ProcessTask(t.Context(), task))
}

func TestHandler_Migrate(t *testing.T) {
	var got MigratePayload
	h := &Handler{
		Migrate: func(_ context.Context, p MigratePayload) (*migration.Report, error) {
			got = p
			return &migration.Report{RunID: "run-1", Backfilled: 2}, nil
		},
		Log: logger.NewNopLogger(),
	}
	task, err := NewMigrateTask(MigratePayload{DryRun: true})
	require.NoError(t, err)
	require.NoError(t, h.HandleMigrate(t.Context(), task))
	assert.True(t, got.DryRun)

	require.NoError(t, h.HandleMigrate(t.Context(), asynq.NewTask(TypeMigrate, nil)), "empty payload uses defaults")

	h.Migrate = func(context.Context, MigratePayload) (*migration.Report, error) {
		return nil, errors.Newf(errors.CategoryTransient, "database gone")
	}
	require.ErrorIs(t, h.HandleMigrate(t.Context(), task), asynq.SkipRetry)
}

func TestHandler_Digest(t *testing.T) {
	sent := 0
	h := &Handler{Digest: func(context.Context) error { sent++; return nil }, Log: logger.NewNopLogger()}
	mux := asynq.NewServeMux()
	h.Register(mux)

	require.NoError(t, mux.ProcessTask(t.Context(), NewDigestTask()))
	assert.Equal(t, 1, sent)
}
