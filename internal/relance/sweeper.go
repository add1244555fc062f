package relance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tourcraft/relances/internal/logger"
)

const (
	// sweepPageSize is the number of snapshots read per page during a sweep.
	sweepPageSize = 200
	// sweepTimeout bounds one full sweep.
	sweepTimeout = 30 * time.Minute
)

// EntityLister enumerates mirrored entities.
type EntityLister interface {
	EachEntity(ctx context.Context, pageSize int, fn func(entityType, entityID string, data map[string]any) error) error
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Entities  int                `json:"entities"`
	Failed    int                `json:"failed"`
	Result    *MaterializeResult `json:"result"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}

// Sweeper re-evaluates every entity periodically so time-based predicates
// fire without a mutation.
type Sweeper struct {
	engine      *Engine
	entities    EntityLister
	concurrency int
	log         logger.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper evaluating up to concurrency entities at once.
func NewSweeper(engine *Engine, entities EntityLister, concurrency int, log logger.Logger) *Sweeper {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Sweeper{engine: engine, entities: entities, concurrency: concurrency, log: log}
}

// SweepOnce evaluates every entity. Failures of single entities are logged
// and counted; only a failure to enumerate entities is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{Result: &MaterializeResult{}, StartedAt: time.Now()}
	var entities, failed atomic.Int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	err := s.entities.EachEntity(gctx, sweepPageSize, func(entityType, entityID string, _ map[string]any) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		entities.Add(1)
		g.Go(func() error {
			ev, err := s.engine.EvaluateEntity(gctx, entityType, entityID)
			if err != nil {
				failed.Add(1)
				s.log.Warn("sweep evaluation failed",
					logger.String("entity_type", entityType),
					logger.String("entity_id", entityID),
					logger.Error(err))
				return nil
			}
			mu.Lock()
			report.Result.Created += ev.Result.Created
			report.Result.Updated += ev.Result.Updated
			report.Result.Completed += ev.Result.Completed
			report.Result.Blocked += ev.Result.Blocked
			report.Result.Violations = append(report.Result.Violations, ev.Result.Violations...)
			mu.Unlock()
			return nil
		})
		return nil
	})
	waitErr := g.Wait()
	if err == nil {
		err = waitErr
	}

	s.engine.Prune()
	report.Entities = int(entities.Load())
	report.Failed = int(failed.Load())
	report.Duration = time.Since(report.StartedAt)
	if err != nil {
		return report, err
	}
	s.log.Info("relance sweep completed",
		logger.Int("entities", report.Entities),
		logger.Int("failed", report.Failed),
		logger.Int("created", report.Result.Created),
		logger.Int("completed", report.Result.Completed),
		logger.Duration("duration", report.Duration))
	return report, nil
}

// Start runs SweepOnce every interval until Stop. A non-positive interval
// disables the sweeper.
func (s *Sweeper) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.Stop()

	s.mu.Lock()
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh, s.doneCh = stopCh, doneCh
	s.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
				go func() {
					select {
					case <-stopCh:
						cancel()
					case <-ctx.Done():
					}
				}()
				if _, err := s.SweepOnce(ctx); err != nil {
					s.log.Error("relance sweep failed", logger.Error(err))
				}
				cancel()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic sweep and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
