package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/merchhub/kiwisync/internal/clock"
	"github.com/merchhub/kiwisync/internal/config"
	"github.com/merchhub/kiwisync/internal/kiwify"
	"github.com/merchhub/kiwisync/internal/logger"
	"github.com/merchhub/kiwisync/internal/migration"
	"github.com/merchhub/kiwisync/internal/observability/metrics"
	"github.com/merchhub/kiwisync/internal/ratelimit"
	"github.com/merchhub/kiwisync/internal/scheduler"
	"github.com/merchhub/kiwisync/internal/server"
	"github.com/merchhub/kiwisync/internal/syncengine"
	"github.com/merchhub/kiwisync/internal/syncstate"
	"github.com/merchhub/kiwisync/internal/webhook"
	"github.com/merchhub/kiwisync/internal/writes"
	"github.com/merchhub/kiwisync/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
		metrics.Module,

		kiwify.Module,
		writes.Module,
		syncstate.Module,
		syncengine.Module,
		webhook.Module,
		ratelimit.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
