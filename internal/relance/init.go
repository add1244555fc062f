package relance

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/datastore/v2/repository"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
)

// redisGuardPrefix namespaces loop guard keys in Redis.
const redisGuardPrefix = "relances:guard:"

// Options wires the relance subsystem.
type Options struct {
	Settings  conf.Engine
	Types     repository.RelanceTypeRepository
	Relances  repository.RelanceRepository
	Snapshots repository.SnapshotRepository
	// Redis backs the loop guard when Settings.GuardBackend is "redis".
	Redis    redis.UniversalClient
	Registry prometheus.Registerer
	Log      logger.Logger
}

// Runtime holds the running subsystem.
type Runtime struct {
	Bus     *MutationBus
	Store   *SnapshotStore
	Guard   *LoopGuard
	Engine  *Engine
	Sweeper *Sweeper
	Metrics *Metrics
}

// Initialize seeds the built-in rules, compiles the catalog and subscribes
// the engine to a new mutation bus. The sweeper is created but not started.
func Initialize(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewNopLogger()
	}

	if err := seedDefaultTypes(ctx, opts.Types, log); err != nil {
		return nil, err
	}
	defs, err := opts.Types.GetEnabledTypes(ctx)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalog(defs)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(opts.Registry)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to register relance metrics")
	}

	suppressor, err := newSuppressor(opts)
	if err != nil {
		return nil, err
	}
	guard := NewLoopGuard(suppressor, opts.Settings.GuardTTL.Std())

	bus := NewMutationBus()
	bus.OnDrop(metrics.DroppedEvents.Inc)
	store := NewSnapshotStore(opts.Snapshots, bus, log.Named("store"))

	engine := NewEngine(EngineConfigFromSettings(opts.Settings), EngineDeps{
		Catalog:  catalog,
		Types:    opts.Types,
		Relances: opts.Relances,
		Source:   store,
		Guard:    guard,
		Metrics:  metrics,
		Log:      log.Named("engine"),
	})
	bus.Subscribe(engine.HandleMutation)

	sweeper := NewSweeper(engine, store, opts.Settings.SweepConcurrency, log.Named("sweeper"))

	log.Info("relance engine initialized",
		logger.Int("rules_loaded", catalog.Len()),
		logger.String("guard_backend", opts.Settings.GuardBackend),
		logger.Duration("guard_ttl", guard.TTL()))

	return &Runtime{
		Bus:     bus,
		Store:   store,
		Guard:   guard,
		Engine:  engine,
		Sweeper: sweeper,
		Metrics: metrics,
	}, nil
}

// Stop halts the sweeper and drains the bus.
func (r *Runtime) Stop() {
	r.Sweeper.Stop()
	r.Bus.Stop()
}

func newSuppressor(opts Options) (Suppressor, error) {
	switch opts.Settings.GuardBackend {
	case "", "memory":
		return NewMemorySuppressor(), nil
	case "redis":
		if opts.Redis == nil {
			return nil, errors.Newf(errors.CategoryConfiguration, "redis guard backend selected but no redis client configured")
		}
		return NewRedisSuppressor(opts.Redis, redisGuardPrefix), nil
	default:
		return nil, errors.Newf(errors.CategoryConfiguration, "unknown guard backend %q", opts.Settings.GuardBackend)
	}
}

// seedDefaultTypes ensures all built-in rules exist. It checks by key so
// partial seeds from previous runs self-heal on restart. Existing rows are
// left alone, which keeps user toggles.
func seedDefaultTypes(ctx context.Context, repo repository.RelanceTypeRepository, log logger.Logger) error {
	existing, err := repo.ListTypes(ctx, repository.RelanceTypeFilter{})
	if err != nil {
		return err
	}

	existingKeys := make(map[string]struct{}, len(existing))
	for i := range existing {
		existingKeys[existing[i].Key] = struct{}{}
	}

	defaults := DefaultTypes()
	var created int
	for i := range defaults {
		if _, exists := existingKeys[defaults[i].Key]; exists {
			continue
		}
		if err := repo.CreateType(ctx, &defaults[i]); err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		log.Info("seeded default relance types", logger.Int("created", created))
	}
	return nil
}

// ResetDefaultTypes deletes the built-in rules and seeds them again.
func ResetDefaultTypes(ctx context.Context, repo repository.RelanceTypeRepository, log logger.Logger) error {
	deleted, err := repo.DeleteBuiltInTypes(ctx)
	if err != nil {
		return err
	}
	log.Info("deleted built-in relance types", logger.Int64("deleted", deleted))
	return seedDefaultTypes(ctx, repo, log)
}
