package provider

import "go.uber.org/fx"

// Module exposes the provider adapter registry via Fx.
var Module = fx.Options(
	fx.Provide(NewRegistry),
)
