package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tourcraft/relances/internal/conf"
	v2 "github.com/tourcraft/relances/internal/datastore/v2"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/migration"
)

// app bundles the store shared by every command.
type app struct {
	settings  *conf.Settings
	log       logger.Logger
	store     *v2.Manager
	relances  repository.RelanceRepository
	types     repository.RelanceTypeRepository
	snapshots repository.SnapshotRepository
	state     *v2.StateManager
}

func openApp(opts *RootOptions) (*app, error) {
	settings, log, err := opts.loadSettings()
	if err != nil {
		return nil, err
	}
	return openAppWith(settings, log)
}

func openAppWith(settings *conf.Settings, log logger.Logger) (*app, error) {
	store, err := v2.NewManager(v2.ConfigFromSettings(settings.Database, log))
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, err
	}
	db := store.DB()
	return &app{
		settings:  settings,
		log:       log,
		store:     store,
		relances:  repository.NewRelanceRepository(db),
		types:     repository.NewRelanceTypeRepository(db),
		snapshots: repository.NewSnapshotRepository(db),
		state:     v2.NewStateManager(db),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", logger.Error(err))
	}
}

// ping checks the database connection for /healthz.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.store.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// migrationRunner builds a runner from settings overridden by the request.
func (a *app) migrationRunner(dryRun bool, duplicateAction string, pageSize int) *migration.Runner {
	cfg := migration.ConfigFromSettings(a.settings.Migration)
	cfg.DryRun = dryRun
	if duplicateAction != "" {
		cfg.DuplicateAction = duplicateAction
	}
	if pageSize > 0 {
		cfg.PageSize = pageSize
	}
	return migration.NewRunner(a.relances, a.state, cfg, a.log.Named("migration"))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
