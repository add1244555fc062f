package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tourcraft/relances/internal/api"
	apiv2 "github.com/tourcraft/relances/internal/api/v2"
	"github.com/tourcraft/relances/internal/jobs"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/migration"
	"github.com/tourcraft/relances/internal/mqtt"
	"github.com/tourcraft/relances/internal/notification"
	"github.com/tourcraft/relances/internal/relance"
	"github.com/tourcraft/relances/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relance engine and its HTTP API",
		Long: `Run the relance engine.

Entity mutations arrive over MQTT and are evaluated as they come. Time-based
rules are caught by the periodic sweep. With queue.enabled, sweeps, digests,
migrations and queued evaluations run on asynq workers backed by Redis.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	s := a.settings
	log := a.log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reporter, err := telemetry.InitSentry(s.Sentry, opts.Version)
	if err != nil {
		return err
	}
	if reporter != nil {
		defer reporter.Flush(2 * time.Second)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt, stopRuntime, err := a.startRuntime(ctx, reg)
	if err != nil {
		return err
	}
	defer stopRuntime()

	var digest *notification.Digest
	if s.Notification.Enabled {
		sender, err := notification.NewSender(s.Notification.URLs)
		if err != nil {
			return err
		}
		digest = notification.NewDigest(a.relances, sender, log.Named("digest"))
	}

	g, gctx := errgroup.WithContext(ctx)
	var migrations sync.WaitGroup
	defer migrations.Wait()

	runMigration := func(ctx context.Context, p jobs.MigratePayload) (*migration.Report, error) {
		return a.migrationRunner(p.DryRun, p.DuplicateAction, 0).Run(ctx)
	}
	startMigration := func(_ context.Context, p jobs.MigratePayload) error {
		migrations.Go(func() {
			if _, err := runMigration(gctx, p); err != nil {
				log.Warn("migration stopped", logger.Error(err))
			}
		})
		return nil
	}

	if s.Queue.Enabled {
		stopQueue, enqueuer, err := startQueue(a, rt, digest, runMigration)
		if err != nil {
			return err
		}
		defer stopQueue()
		startMigration = func(ctx context.Context, p jobs.MigratePayload) error {
			queued, err := enqueuer.EnqueueMigration(ctx, p)
			if err != nil {
				return err
			}
			if !queued {
				log.Info("migration already queued")
			}
			return nil
		}
	} else {
		if s.Engine.Enabled && s.Engine.SweepInterval.Std() > 0 {
			rt.Sweeper.Start(s.Engine.SweepInterval.Std())
		}
		if digest != nil {
			digest.Start(s.Notification.DigestInterval.Std())
			defer digest.Stop()
		}
	}

	if s.MQTT.Enabled && s.Engine.Enabled {
		sub, err := mqtt.NewSubscriber(s.MQTT, rt.Store, log.Named("mqtt"))
		if err != nil {
			return err
		}
		if err := sub.Connect(ctx); err != nil {
			return err
		}
		defer sub.Disconnect()
	}

	server := api.NewServer(api.Config{
		Listen:   s.Server.Listen,
		Gatherer: reg,
		Health:   a.ping,
		Log:      log,
	})
	apiv2.New(server.Echo(), apiv2.Deps{
		Relances:        a.relances,
		Types:           a.types,
		Engine:          rt.Engine,
		Migration:       a.migrationRunner(false, "", 0),
		StartMigration:  startMigration,
		UpcomingHorizon: s.Engine.UpcomingHorizon.Std(),
		Log:             log,
	})

	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("relances started",
		logger.String("listen", s.Server.Listen),
		logger.Bool("engine", s.Engine.Enabled),
		logger.Bool("queue", s.Queue.Enabled),
		logger.Bool("mqtt", s.MQTT.Enabled))

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relances stopped")
	return nil
}

// startQueue runs the asynq worker and schedules the periodic tasks. The
// returned func shuts both down.
func startQueue(a *app, rt *relance.Runtime, digest *notification.Digest, migrate jobs.MigrateFunc) (func(), *jobs.Enqueuer, error) {
	s := a.settings
	log := a.log.Named("jobs")
	redisOpt := a.asynqRedis()

	client := asynq.NewClient(redisOpt)
	enqueuer := jobs.NewEnqueuer(client, s.Queue.UniqueFor.Std(), log)

	handler := &jobs.Handler{Migrate: migrate, Log: log}
	if s.Engine.Enabled {
		handler.Evaluator = rt.Engine
		handler.Sweeper = rt.Sweeper
	}
	if digest != nil {
		handler.Digest = digest.Send
	}
	mux := asynq.NewServeMux()
	handler.Register(mux)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: s.Queue.Concurrency,
		Queues:      jobs.Queues(),
	})
	if err := srv.Start(mux); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to start job worker: %w", err)
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if handler.Sweeper != nil && s.Engine.SweepInterval.Std() > 0 {
		cronspec := "@every " + s.Engine.SweepInterval.Std().String()
		if _, err := scheduler.Register(cronspec, jobs.NewSweepTask(), asynq.Queue(jobs.QueueLow), asynq.Unique(s.Engine.SweepInterval.Std())); err != nil {
			srv.Shutdown()
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to schedule sweep: %w", err)
		}
	}
	if digest != nil {
		cronspec := "@every " + s.Notification.DigestInterval.Std().String()
		if _, err := scheduler.Register(cronspec, jobs.NewDigestTask(), asynq.Queue(jobs.QueueLow)); err != nil {
			srv.Shutdown()
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to schedule digest: %w", err)
		}
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.Info("job queue started", logger.Int("concurrency", s.Queue.Concurrency))
	return func() {
		scheduler.Shutdown()
		srv.Shutdown()
		if err := client.Close(); err != nil {
			log.Warn("failed to close queue client", logger.Error(err))
		}
	}, enqueuer, nil
}
