package relance

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// baseTime is the evaluation instant used across tests.
var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:relance_%s?mode=memory&cache=shared&_foreign_keys=ON", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(gorm_logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&entities.Relance{}, &entities.RelanceType{}, &entities.EntitySnapshot{}))
	return db
}

// concert builds a concert snapshot whose event is days away from baseTime.
func concert(days int, signed bool) map[string]any {
	return map[string]any{
		"titre":        "Nuit du jazz",
		"date":         baseTime.AddDate(0, 0, days).Format(time.RFC3339),
		"contratSigne": signed,
	}
}

// typesByKey returns the default types named by keys, all enabled.
func typesByKey(keys ...string) []entities.RelanceType {
	var out []entities.RelanceType
	for _, def := range DefaultTypes() {
		for _, k := range keys {
			if def.Key == k {
				def.Enabled = true
				out = append(out, def)
			}
		}
	}
	return out
}

func mustCatalog(t *testing.T, defs []entities.RelanceType) *Catalog {
	t.Helper()
	c, err := NewCatalog(defs)
	require.NoError(t, err)
	return c
}

// testEnv is an engine over an in-memory database.
type testEnv struct {
	db        *gorm.DB
	relances  repository.RelanceRepository
	types     repository.RelanceTypeRepository
	snapshots repository.SnapshotRepository
	store     *SnapshotStore
	guard     *LoopGuard
	metrics   *Metrics
	engine    *Engine
}

func newTestEnv(t *testing.T, bus *MutationBus, defs []entities.RelanceType) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	env := &testEnv{
		db:        db,
		relances:  repository.NewRelanceRepository(db),
		types:     repository.NewRelanceTypeRepository(db),
		snapshots: repository.NewSnapshotRepository(db),
		guard:     NewLoopGuard(NewMemorySuppressor(), 5*time.Minute),
		metrics:   newUnregisteredMetrics(),
	}
	for i := range defs {
		require.NoError(t, env.types.CreateType(t.Context(), &defs[i]))
	}
	env.store = NewSnapshotStore(env.snapshots, bus, logger.NewNopLogger())

	cfg := DefaultEngineConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	env.engine = NewEngine(cfg, EngineDeps{
		Catalog:  mustCatalog(t, defs),
		Types:    env.types,
		Relances: env.relances,
		Source:   env.store,
		Guard:    env.guard,
		Metrics:  env.metrics,
		Log:      logger.NewNopLogger(),
	})
	env.engine.now = func() time.Time { return baseTime }
	return env
}

func (e *testEnv) pending(t *testing.T, entityType, entityID string) []entities.Relance {
	t.Helper()
	rels, err := e.relances.FindPendingByEntity(t.Context(), entityType, entityID)
	require.NoError(t, err)
	return rels
}
