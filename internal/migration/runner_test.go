package migration

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v2 "github.com/tourcraft/relances/internal/datastore/v2"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

type legacyFixture struct {
	keep, extra, done, alone, manual *entities.Relance
}

func seedLegacy(t *testing.T, env *testEnv) legacyFixture {
	t.Helper()
	f := legacyFixture{
		keep:   legacy("1", "contract-overdue", "Contrat non signé", false, baseTime),
		extra:  legacy("1", "contract-overdue", "contrat  non signe", false, baseTime.Add(time.Minute)),
		done:   legacy("2", "contract-overdue", "Contrat non signé", true, baseTime),
		alone:  legacy("3", "envoyer-contrat", "Envoyer le contrat", false, baseTime),
		manual: legacy("3", "appel", "Appeler la salle", false, baseTime),
	}
	f.manual.Automatic = false
	env.seed(t, f.keep, f.extra, f.done, f.alone, f.manual)
	return f
}

func TestRunner_Converges(t *testing.T) {
	env := newTestEnv(t)
	f := seedLegacy(t, env)
	ctx := t.Context()

	report, err := env.runner(Config{PageSize: 1}).Run(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.DryRun)
	assert.Equal(t, int64(1), report.DuplicateGroups)
	assert.Equal(t, int64(1), report.Removed)
	assert.Equal(t, int64(3), report.Backfilled)
	assert.Equal(t, int64(6), report.Processed)
	assert.Equal(t, int64(4), report.Updated())

	keep := env.get(t, f.keep.ID)
	assert.Equal(t, entities.RelanceStatusPending, keep.Status)
	require.NotNil(t, keep.MigratedAt)
	assert.True(t, keep.MigratedAt.Equal(baseTime))
	require.NotNil(t, keep.PendingKey)

	extra := env.get(t, f.extra.ID)
	assert.Equal(t, entities.RelanceStatusCompleted, extra.Status)
	assert.True(t, extra.Terminee)
	assert.Equal(t, entities.CompletedByMigration, extra.CompletedBy)
	assert.Equal(t, ReasonDuplicate, extra.CompletionReason)

	done := env.get(t, f.done.ID)
	assert.Equal(t, entities.RelanceStatusCompleted, done.Status)
	assert.Equal(t, ReasonMigrated, done.CompletionReason)
	assert.NotNil(t, done.CompletedAt)

	assert.Equal(t, entities.RelanceStatusPending, env.get(t, f.alone.ID).Status)
	assert.Equal(t, entities.RelanceStatusLegacy, env.get(t, f.manual.ID).Status, "manual relances are not migrated")

	state, err := env.state.GetState()
	require.NoError(t, err)
	assert.Equal(t, entities.MigrationStatusCompleted, state.State)
	assert.Equal(t, report.RunID, state.RunID)
	assert.Equal(t, int64(1), state.DuplicateGroups)
	assert.Equal(t, int64(1), state.RemovedRecords)
	assert.Equal(t, int64(3), state.UpdatedRecords)

	second, err := env.runner(Config{PageSize: 1}).Run(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, report.RunID, second.RunID)
	assert.Zero(t, second.Updated(), "a second run changes nothing")
	assert.Zero(t, second.DuplicateGroups)

	audit, err := Audit(ctx, env.relances, 2, logger.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, audit.Healthy())
}

func TestRunner_DryRun(t *testing.T) {
	env := newTestEnv(t)
	f := seedLegacy(t, env)

	report, err := env.runner(Config{DryRun: true}).Run(t.Context())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, int64(1), report.DuplicateGroups)
	assert.Equal(t, int64(1), report.Removed)
	// Nothing was written, so the duplicate is still counted by the backfill.
	assert.Equal(t, int64(4), report.Backfilled)

	for _, rel := range []*entities.Relance{f.keep, f.extra, f.done, f.alone} {
		got := env.get(t, rel.ID)
		assert.Equal(t, entities.RelanceStatusLegacy, got.Status)
		assert.Nil(t, got.MigratedAt)
	}

	state, err := env.state.GetState()
	require.NoError(t, err)
	assert.True(t, state.DryRun)
	assert.Equal(t, entities.MigrationStatusCompleted, state.State)
}

func TestRunner_DeleteDuplicates(t *testing.T) {
	env := newTestEnv(t)
	f := seedLegacy(t, env)
	ctx := t.Context()

	report, err := env.runner(Config{DuplicateAction: ActionDelete}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Removed)

	_, err = env.relances.GetRelance(ctx, f.extra.ID)
	require.ErrorIs(t, err, repository.ErrRelanceNotFound)
	assert.Equal(t, entities.RelanceStatusPending, env.get(t, f.keep.ID).Status)
}

func TestRunner_BackfillNeverCreatesSecondPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	current := legacy("4", "contract-overdue", "Contrat", false, baseTime.Add(time.Hour))
	current.Status = entities.RelanceStatusPending
	stale := legacy("4", "contract-overdue", "Ancien libellé", false, baseTime)
	first := legacy("5", "contract-overdue", "Relance A", false, baseTime)
	second := legacy("5", "contract-overdue", "Relance B", false, baseTime)
	env.seed(t, current, stale, first, second)

	report, err := env.runner(Config{}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.DuplicateGroups, "labels differ")
	assert.Equal(t, int64(3), report.Backfilled)

	assert.Equal(t, entities.RelanceStatusPending, env.get(t, current.ID).Status)
	got := env.get(t, stale.ID)
	assert.Equal(t, entities.RelanceStatusCompleted, got.Status)
	assert.Equal(t, ReasonDuplicate, got.CompletionReason)

	assert.Equal(t, entities.RelanceStatusPending, env.get(t, first.ID).Status)
	assert.Equal(t, entities.RelanceStatusCompleted, env.get(t, second.ID).Status)
}

func TestRunner_ResumesFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	a := legacy("6", "contract-overdue", "Contrat", false, baseTime)
	b := legacy("7", "contract-overdue", "Contrat", false, baseTime)
	c := legacy("8", "contract-overdue", "Contrat", false, baseTime)
	env.seed(t, a, b, c)

	require.NoError(t, env.state.Start("run-1", false))
	require.NoError(t, env.state.TransitionToBackfill())
	require.NoError(t, env.state.Checkpoint(v2.Progress{Cursor: strconv.FormatUint(uint64(a.ID), 10), Processed: 1}))

	report, err := env.runner(Config{}).Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, int64(2), report.Backfilled)

	assert.Equal(t, entities.RelanceStatusLegacy, env.get(t, a.ID).Status, "before the cursor")
	assert.Equal(t, entities.RelanceStatusPending, env.get(t, b.ID).Status)
	assert.Equal(t, entities.RelanceStatusPending, env.get(t, c.ID).Status)

	state, err := env.state.GetState()
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.ProcessedRecords)
}

func TestRunner_RefusesPausedRun(t *testing.T) {
	env := newTestEnv(t)
	runner := env.runner(Config{})
	require.NoError(t, env.state.Start("run-1", false))
	require.NoError(t, runner.Pause())

	_, err := runner.Run(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

	require.NoError(t, runner.Resume())
	state, err := runner.State()
	require.NoError(t, err)
	assert.Equal(t, entities.MigrationStatusDedupe, state.State)

	require.NoError(t, runner.Cancel())
	state, err = runner.State()
	require.NoError(t, err)
	assert.Equal(t, entities.MigrationStatusIdle, state.State)
}

func TestRunner_UnknownDuplicateAction(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.runner(Config{DuplicateAction: "archive"}).Run(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.CategoryOf(err))

	state, err := env.state.GetState()
	require.NoError(t, err)
	assert.Equal(t, entities.MigrationStatusIdle, state.State, "nothing was started")
}

func TestRunner_CancelledContextKeepsCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	seedLegacy(t, env)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := env.runner(Config{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	state, err := env.state.GetState()
	require.NoError(t, err)
	assert.Equal(t, entities.MigrationStatusDedupe, state.State, "the run resumes next time")
}
