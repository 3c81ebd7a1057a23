package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/retailhub/order-saga/internal/middleware"
	"github.com/retailhub/order-saga/pkg/telemetry"
)

// RouterConfig holds what the coordinator router needs.
type RouterConfig struct {
	Handler *SagaHandler
	// APIKey protects the mutation endpoints. Health and metrics stay
	// open for probes and scrapes.
	APIKey string
	// GinMode is one of gin.DebugMode, gin.ReleaseMode, gin.TestMode.
	GinMode string
}

// NewRouter builds the coordinator gin engine.
func NewRouter(cfg *RouterConfig) *gin.Engine {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Correlation())
	router.Use(middleware.RequestLogger())
	if cfg.APIKey != "" {
		router.Use(middleware.APIKeyAuth(cfg.APIKey, "/saga/health", "/saga/metrics"))
	}

	sagas := router.Group("/saga")
	{
		sagas.POST("/execute", cfg.Handler.ExecuteSaga)
		sagas.GET("/status/:saga_id", cfg.Handler.GetStatus)
		sagas.POST("/compensate/:saga_id", cfg.Handler.Compensate)
		sagas.GET("/health", cfg.Handler.Health)
		sagas.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
		sagas.GET("/events/statistics", cfg.Handler.EventStatistics)
	}

	return router
}
