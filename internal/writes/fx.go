package writes

import "go.uber.org/fx"

var Module = fx.Module("writes",
	fx.Provide(New),
)
