package syncengine

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/kiwify"
	"github.com/merchhub/kiwisync/internal/observability/metrics"
	"github.com/merchhub/kiwisync/internal/syncstate"
	"github.com/merchhub/kiwisync/internal/writes"
)

func provide(
	client *kiwify.Client,
	store *writes.Store,
	state *syncstate.Store,
	holder *config.SyncConfigHolder,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Engine {
	return New(client, store, state, holder, clk, m, log)
}

var Module = fx.Module("syncengine",
	fx.Provide(provide),
)
