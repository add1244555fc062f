package migration

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	v2 "github.com/tourcraft/relances/internal/datastore/v2"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:migration_%s?mode=memory&cache=shared", name)
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

	require.NoError(t, db.AutoMigrate(&entities.Relance{}, &entities.MigrationState{}))
	return db
}

type testEnv struct {
	db       *gorm.DB
	relances repository.RelanceRepository
	state    *v2.StateManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	return &testEnv{
		db:       db,
		relances: repository.NewRelanceRepository(db),
		state:    v2.NewStateManager(db),
	}
}

func (e *testEnv) runner(cfg Config) *Runner {
	r := NewRunner(e.relances, e.state, cfg, logger.NewNopLogger())
	r.now = func() time.Time { return baseTime }
	return r
}

// legacy builds an automatic relance written before the status column existed.
func legacy(entityID, rule, label string, terminee bool, createdAt time.Time) *entities.Relance {
	return &entities.Relance{
		DedupKey:   entities.DedupKey("concert", entityID, rule),
		EntityType: "concert",
		EntityID:   entityID,
		RuleTypeID: rule,
		Label:      label,
		Priority:   "high",
		Status:     entities.RelanceStatusLegacy,
		Automatic:  true,
		Terminee:   terminee,
		DueAt:      createdAt.Add(72 * time.Hour),
		CreatedAt:  createdAt,
	}
}

func (e *testEnv) seed(t *testing.T, rels ...*entities.Relance) {
	t.Helper()
	ops := make([]repository.BatchOp, len(rels))
	for i, r := range rels {
		ops[i] = repository.BatchOp{Kind: repository.OpCreate, Relance: r}
	}
	_, err := e.relances.UpsertBatch(t.Context(), ops)
	require.NoError(t, err)
}

func (e *testEnv) get(t *testing.T, id uint) *entities.Relance {
	t.Helper()
	rel, err := e.relances.GetRelance(t.Context(), id)
	require.NoError(t, err)
	return rel
}
