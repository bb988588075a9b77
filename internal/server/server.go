package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"

	"github.com/Wei-Shaw/relaycore/internal/config"
	"github.com/Wei-Shaw/relaycore/internal/handler"
)

// ProviderSet server 层依赖注入集合。
var ProviderSet = wire.NewSet(
	NewGinEngine,
	NewHTTPServer,
)

// NewGinEngine 装配路由。
func NewGinEngine(cfg *config.Config, relay *handler.RelayHandler) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	{
		v1.POST("/admission", relay.Admit)
		v1.GET("/concurrency/:resourceId/load", relay.Load)
	}
	return engine
}

// NewHTTPServer 构建 http.Server。
// 不设全局写超时：入场等待和流式 ping 都可能长时间占用连接。
func NewHTTPServer(cfg *config.Config, engine *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
