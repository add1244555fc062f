package repository

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database private to the test.
// A single connection keeps every statement on the same in-memory database.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=ON", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(gorm_logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "failed to open in-memory database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "failed to get sql.DB")
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&entities.Relance{},
		&entities.RelanceType{},
		&entities.EntitySnapshot{},
	)
	require.NoError(t, err, "failed to migrate relance tables")
	return db
}

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// newPending builds an automatic pending relance for the concert entity.
func newPending(entityID, rule string, dueAt time.Time) *entities.Relance {
	return &entities.Relance{
		DedupKey:   entities.DedupKey("concert", entityID, rule),
		EntityType: "concert",
		EntityID:   entityID,
		RuleTypeID: rule,
		Label:      rule,
		Priority:   "high",
		Status:     entities.RelanceStatusPending,
		Automatic:  true,
		DueAt:      dueAt,
	}
}

func createRelances(t *testing.T, repo RelanceRepository, rels ...*entities.Relance) {
	t.Helper()
	ops := make([]BatchOp, len(rels))
	for i, r := range rels {
		ops[i] = BatchOp{Kind: OpCreate, Relance: r}
	}
	res, err := repo.UpsertBatch(t.Context(), ops)
	require.NoError(t, err)
	require.Equal(t, len(rels), res.Created)
}
