package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/syncengine"
	"github.com/merchhub/kiwisync/internal/syncstate"
	"github.com/merchhub/kiwisync/internal/webhook"
)

func provide(
	cfg config.Config,
	engine *syncengine.Engine,
	processor *webhook.Processor,
	state *syncstate.Store,
	clk clock.Clock,
	log *zap.Logger,
) *Scheduler {
	return New(Config{
		SyncInterval:       cfg.SyncInterval,
		RetrySweepInterval: cfg.RetrySweepInterval,
	}, engine, processor, state, clk, log)
}

func run(lc fx.Lifecycle, s *Scheduler) {
	if !s.cfg.enabled() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

var Module = fx.Module("scheduler",
	fx.Provide(provide),
	fx.Invoke(run),
)
