package webhook

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/observability/metrics"
	"github.com/merchhub/kiwisync/internal/writes"
)

func provide(
	gdb *gorm.DB,
	store *writes.Store,
	cfg config.Config,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Processor {
	return NewProcessor(gdb, store, cfg.WebhookSecrets, clk, m, log)
}

var Module = fx.Module("webhook",
	fx.Provide(provide),
)
