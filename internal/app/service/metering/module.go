package metering

import "go.uber.org/fx"

// Module exposes the usage metering service and its sweeper via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
	fx.Provide(NewSweeper),
	fx.Invoke(registerSweeper),
)
