// Package v2 opens the relance store and owns its schema and migration checkpoint.
package v2

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config selects and tunes the database backend.
type Config struct {
	Type         string // sqlite, mysql or postgres
	DataDir      string // sqlite: directory holding relances.db when Path is empty
	Path         string // sqlite: database file
	DSN          string // mysql/postgres
	MaxOpenConns int
	Debug        bool
	Logger       logger.Logger
}

// ConfigFromSettings maps the database settings section.
func ConfigFromSettings(s conf.Database, log logger.Logger) Config {
	return Config{
		Type:         s.Type,
		Path:         s.Path,
		DSN:          s.DSN,
		MaxOpenConns: s.MaxOpenConns,
		Debug:        s.Debug,
		Logger:       log,
	}
}

// Manager owns the gorm connection of the relance store.
type Manager struct {
	db      *gorm.DB
	dialect string
	log     logger.Logger
}

// Models lists every table managed by the store.
func Models() []any {
	return []any{
		&entities.Relance{},
		&entities.RelanceType{},
		&entities.EntitySnapshot{},
		&entities.MigrationState{},
	}
}

// NewManager opens the configured backend.
func NewManager(cfg Config) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}
	log = log.Named("datastore")

	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "relances.db")
		}
		dialector = sqlite.Open(path + "?_busy_timeout=5000&_foreign_keys=ON")
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, errors.Newf(errors.CategoryConfiguration, "unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(log, cfg.Debug),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryTransient, "failed to open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	switch {
	case dialector.Name() == "sqlite":
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	log.Info("database opened", logger.String("dialect", dialector.Name()))
	return &Manager{db: db, dialect: dialector.Name(), log: log}, nil
}

// NewSQLiteManager opens a SQLite store under cfg.DataDir.
func NewSQLiteManager(cfg Config) (*Manager, error) {
	cfg.Type = "sqlite"
	return NewManager(cfg)
}

// Initialize creates or updates the schema and seeds the migration checkpoint.
func (m *Manager) Initialize() error {
	if err := m.db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	state := entities.MigrationState{ID: 1, State: entities.MigrationStatusIdle}
	if err := m.db.FirstOrCreate(&state, entities.MigrationState{ID: 1}).Error; err != nil {
		return fmt.Errorf("failed to seed migration state: %w", err)
	}
	return nil
}

// DB returns the gorm handle.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Dialect returns the gorm dialector name.
func (m *Manager) Dialect() string {
	return m.dialect
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
