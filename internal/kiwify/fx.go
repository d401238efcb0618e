package kiwify

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
)

func provide(cfg config.Config, log *zap.Logger, clk clock.Clock) *Client {
	return New(cfg.Kiwify, log, clk)
}

var Module = fx.Module("kiwify",
	fx.Provide(provide),
)
