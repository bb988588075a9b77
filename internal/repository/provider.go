package repository

import "github.com/google/wire"

// ProviderSet repository 层依赖注入集合。
var ProviderSet = wire.NewSet(
	NewRedisClient,
	NewConcurrencyCache,
	NewSessionQuotaCache,
	NewSessionDigestCache,
	NewStickySessionCache,
)
