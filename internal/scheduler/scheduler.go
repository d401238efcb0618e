package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/syncengine"
	"github.com/merchhub/kiwisync/internal/syncstate"
)

// Config controls the background intervals. A zero interval disables
// the corresponding loop, which is the default: deployments that drive
// syncs through the admin route only run the HTTP surface.
type Config struct {
	SyncInterval       time.Duration
	RetrySweepInterval time.Duration
}

func (c Config) enabled() bool {
	return c.SyncInterval > 0 || c.RetrySweepInterval > 0
}

// SyncRunner is the slice of the engine the scheduler drives.
type SyncRunner interface {
	Run(ctx context.Context, req syncengine.Request) syncengine.Result
}

// RetrySweeper reprocesses failed webhook events.
type RetrySweeper interface {
	RetryFailed(ctx context.Context) (retried, processed int, err error)
}

// Scheduler drives periodic incremental syncs and failed-webhook
// sweeps. Each tick resumes from the persisted cursor, so a run cut
// short by its budget finishes across subsequent ticks.
type Scheduler struct {
	cfg     Config
	runner  SyncRunner
	sweeper RetrySweeper
	state   *syncstate.Store
	clock   clock.Clock
	log     *zap.Logger
}

func New(
	cfg Config,
	runner SyncRunner,
	sweeper RetrySweeper,
	state *syncstate.Store,
	clk clock.Clock,
	log *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		sweeper: sweeper,
		state:   state,
		clock:   clk,
		log:     log.Named("scheduler"),
	}
}

// RunSyncOnce performs one scheduled sync tick.
func (s *Scheduler) RunSyncOnce(ctx context.Context) syncengine.Result {
	req := syncengine.Request{Persist: true}

	cursor, err := s.state.GetSyncCursor(ctx)
	if err != nil {
		s.log.Warn("cursor load failed, starting from the beginning", zap.Error(err))
	} else if cursor != nil && !cursor.Done {
		req.Cursor = cursor
	}

	start := s.clock.Now()
	result := s.runner.Run(ctx, req)
	s.log.Info("scheduled sync tick",
		zap.Bool("ok", result.OK),
		zap.Bool("done", result.Done),
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
		zap.Any("stats", result.Stats),
	)
	return result
}

// RunSweepOnce performs one failed-webhook retry sweep.
func (s *Scheduler) RunSweepOnce(ctx context.Context) {
	retried, processed, err := s.sweeper.RetryFailed(ctx)
	if err != nil {
		s.log.Warn("retry sweep failed", zap.Error(err))
		return
	}
	if retried > 0 {
		s.log.Info("retry sweep",
			zap.Int("retried", retried),
			zap.Int("processed", processed),
		)
	}
}

// RunForever ticks until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	syncTicks := tick(ctx, s.cfg.SyncInterval)
	sweepTicks := tick(ctx, s.cfg.RetrySweepInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicks:
			s.RunSyncOnce(ctx)
		case <-sweepTicks:
			s.RunSweepOnce(ctx)
		}
	}
}

// tick returns a nil channel for a zero interval, which blocks forever
// in the select above.
func tick(ctx context.Context, interval time.Duration) <-chan time.Time {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	go func() {
		<-ctx.Done()
		ticker.Stop()
	}()
	return ticker.C
}
