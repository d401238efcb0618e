package syncstate

import "go.uber.org/fx"

var Module = fx.Module("syncstate",
	fx.Provide(New),
)
