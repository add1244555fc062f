package relance

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	db := setupTestDB(t)
	return Options{
		Settings: conf.Engine{
			Enabled:              true,
			GuardTTL:             conf.Duration(5 * time.Minute),
			GuardBackend:         "memory",
			BatchTimeout:         conf.Duration(5 * time.Second),
			Retry:                conf.Retry{MaxAttempts: 3, InitialInterval: conf.Duration(time.Millisecond), MaxInterval: conf.Duration(10 * time.Millisecond)},
			SweepConcurrency:     2,
			StampProcessedMarker: true,
		},
		Types:     repository.NewRelanceTypeRepository(db),
		Relances:  repository.NewRelanceRepository(db),
		Snapshots: repository.NewSnapshotRepository(db),
		Registry:  prometheus.NewRegistry(),
		Log:       logger.NewNopLogger(),
	}
}

func TestInitialize_SeedsDefaults(t *testing.T) {
	opts := testOptions(t)
	rt, err := Initialize(t.Context(), opts)
	require.NoError(t, err)
	defer rt.Stop()

	types, err := opts.Types.ListTypes(t.Context(), repository.RelanceTypeFilter{})
	require.NoError(t, err)
	assert.Len(t, types, len(DefaultTypes()))
	assert.Equal(t, 4, rt.Engine.Catalog().Len())
}

func TestInitialize_SeedIsSelfHealing(t *testing.T) {
	opts := testOptions(t)
	ctx := t.Context()

	defaults := DefaultTypes()
	require.NoError(t, opts.Types.CreateType(ctx, &defaults[0]))

	rt, err := Initialize(ctx, opts)
	require.NoError(t, err)
	rt.Stop()

	for _, def := range DefaultTypes() {
		n, err := opts.Types.CountTypesByKey(ctx, def.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "rule %s seeded once", def.Key)
	}
}

func TestInitialize_KeepsUserToggles(t *testing.T) {
	opts := testOptions(t)
	ctx := t.Context()

	rt, err := Initialize(ctx, opts)
	require.NoError(t, err)
	rt.Stop()

	overdue, err := opts.Types.GetTypeByKey(ctx, RuleContractOverdue)
	require.NoError(t, err)
	require.NoError(t, opts.Types.ToggleType(ctx, overdue.ID, false))

	opts.Registry = prometheus.NewRegistry()
	rt, err = Initialize(ctx, opts)
	require.NoError(t, err)
	defer rt.Stop()
	assert.Equal(t, 3, rt.Engine.Catalog().Len())
}

func TestInitialize_EndToEnd(t *testing.T) {
	opts := testOptions(t)
	rt, err := Initialize(t.Context(), opts)
	require.NoError(t, err)
	defer rt.Stop()
	rt.Engine.now = func() time.Time { return baseTime }

	require.NoError(t, rt.Store.Apply(t.Context(), EntityTypeConcert, "123", concert(8, false), OriginApplication))
	require.Eventually(t, func() bool {
		rels, err := opts.Relances.FindPendingByEntity(t.Context(), EntityTypeConcert, "123")
		return err == nil && len(rels) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitialize_GuardBackend(t *testing.T) {
	opts := testOptions(t)
	opts.Settings.GuardBackend = "redis"
	_, err := Initialize(t.Context(), opts)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.CategoryOf(err))

	opts.Settings.GuardBackend = "etcd"
	opts.Registry = prometheus.NewRegistry()
	_, err = Initialize(t.Context(), opts)
	require.Error(t, err)
}

func TestResetDefaultTypes(t *testing.T) {
	opts := testOptions(t)
	ctx := t.Context()
	rt, err := Initialize(ctx, opts)
	require.NoError(t, err)
	rt.Stop()

	overdue, err := opts.Types.GetTypeByKey(ctx, RuleContractOverdue)
	require.NoError(t, err)
	require.NoError(t, opts.Types.ToggleType(ctx, overdue.ID, false))

	require.NoError(t, ResetDefaultTypes(ctx, opts.Types, logger.NewNopLogger()))
	overdue, err = opts.Types.GetTypeByKey(ctx, RuleContractOverdue)
	require.NoError(t, err)
	assert.True(t, overdue.Enabled)
}
