package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/relaycore/internal/config"
	"github.com/Wei-Shaw/relaycore/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	// 先用配置初始化日志，之后的所有输出都走结构化 logger。
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L().Fatal("load config", zap.Error(err))
	}
	logger.Init(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	app, err := initializeApplication(*configPath)
	if err != nil {
		logger.L().Fatal("initialize application", zap.Error(err))
	}
	defer app.Cleanup()

	go func() {
		logger.L().Info("server listening", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L().Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(ctx); err != nil {
		logger.L().Error("server shutdown", zap.Error(err))
	}
}
