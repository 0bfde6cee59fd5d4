package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/taoyao-code/meter-dispatch/internal/api/docs"
	"github.com/taoyao-code/meter-dispatch/internal/api/middleware"
)

// RegisterOperatorRoutes 注册运维路由
func RegisterOperatorRoutes(
	r *gin.Engine,
	deps Deps,
	authCfg middleware.AuthConfig,
	logger *zap.Logger,
) {
	if r == nil || deps.Store == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := NewOperatorHandler(deps, logger)

	api := r.Group("/api")
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	endpoints := 0
	reg := func(method, path string, h gin.HandlerFunc) {
		api.Handle(method, path, h)
		endpoints++
	}

	// 指令
	reg("GET", "/commands", handler.ListCommands)
	reg("GET", "/commands/:id", handler.GetCommand)
	reg("POST", "/commands", handler.EnqueueCommand)
	reg("POST", "/commands/:id/cancel", handler.CancelCommand)
	reg("POST", "/commands/supersede", handler.SupersedeCommand)
	reg("GET", "/dispatcher/stats", handler.DispatcherStats)

	// 策略
	if deps.Sweeper != nil {
		reg("POST", "/sweep", handler.TriggerSweep)
		reg("GET", "/reports/zero-balance", handler.ZeroBalanceReport)
	}

	// 设置
	if deps.Settings != nil {
		reg("GET", "/settings", handler.ListSettings)
		reg("GET", "/settings/:key", handler.GetSetting)
		reg("PUT", "/settings/:key", handler.PutSetting)
	}

	// 设备
	if deps.Queue != nil {
		reg("GET", "/devices/:eui/queue", handler.GetDeviceQueue)
		reg("DELETE", "/devices/:eui/queue", handler.FlushDeviceQueue)
	}
	if deps.Dispatcher != nil {
		reg("POST", "/devices/:eui/ack", handler.AckDevice)
	}

	logger.Info("operator routes registered", zap.Int("endpoints", endpoints))
}

// RegisterSwagger 挂载接口文档
func RegisterSwagger(r *gin.Engine) {
	docs.SwaggerInfo.BasePath = "/"
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}
