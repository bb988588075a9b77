//go:build wireinject
// +build wireinject

package main

import (
	"net/http"
	"sync"

	"github.com/Wei-Shaw/relaycore/internal/config"
	"github.com/Wei-Shaw/relaycore/internal/handler"
	"github.com/Wei-Shaw/relaycore/internal/pkg/logger"
	"github.com/Wei-Shaw/relaycore/internal/repository"
	"github.com/Wei-Shaw/relaycore/internal/server"
	"github.com/Wei-Shaw/relaycore/internal/service"

	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

type Application struct {
	Server  *http.Server
	Cleanup func()
}

func initializeApplication(configPath string) (*Application, error) {
	wire.Build(
		// Infrastructure layer
		config.Load,

		// Business layer ProviderSets
		repository.ProviderSet,
		service.ProviderSet,
		handler.ProviderSet,

		// Server layer ProviderSet
		server.ProviderSet,

		// Cleanup function provider
		provideCleanup,

		// Application struct
		wire.Struct(new(Application), "Server", "Cleanup"),
	)
	return nil, nil
}

func provideCleanup(
	rdb *redis.Client,
	concurrencyService *service.ConcurrencyService,
) func() {
	return func() {
		type cleanupStep struct {
			name string
			fn   func() error
		}

		// 应用层清理步骤可并行执行，基础设施资源（Redis）最后按顺序关闭。
		parallelSteps := []cleanupStep{
			{"ConcurrencyService", func() error {
				if concurrencyService != nil {
					concurrencyService.Close()
				}
				return nil
			}},
		}

		var wg sync.WaitGroup
		for _, step := range parallelSteps {
			wg.Add(1)
			go func(s cleanupStep) {
				defer wg.Done()
				if err := s.fn(); err != nil {
					logger.LegacyPrintf("cleanup", "%s cleanup failed: %v", s.name, err)
				}
			}(step)
		}
		wg.Wait()

		if rdb != nil {
			if err := rdb.Close(); err != nil {
				logger.LegacyPrintf("cleanup", "redis close failed: %v", err)
			}
		}
		logger.Sync()
	}
}
