package handler

import "github.com/google/wire"

// ProviderSet handler 层依赖注入集合。
var ProviderSet = wire.NewSet(
	NewRelayHelper,
	NewRelayHandler,
)
