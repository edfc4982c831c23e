package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askguard/internal/api/admin"
	"github.com/liliang-cn/askguard/internal/api/chat"
	"github.com/liliang-cn/askguard/internal/api/middleware"
	"github.com/liliang-cn/askguard/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
	// Gatherer backs /metrics; nil serves the default registry
	Gatherer prometheus.Gatherer
	// RateLimiter guards chat routes per tenant; nil disables limiting
	RateLimiter *middleware.RateLimiter
	// Health reports dependency states for /health
	Health func() map[string]string
}

// SetupRouter sets up the Gin router
func SetupRouter(
	adminService *service.AdminService,
	chatService *service.ChatService,
	cfg RouterConfig,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if cfg.Health != nil {
			resp["dependencies"] = cfg.Health()
		}
		c.JSON(http.StatusOK, resp)
	})

	// Metrics
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Chat API (public, per tenant)
	chatHandler := chat.NewHandler(chatService, logger)
	chatGroup := r.Group("/api/chat")
	if cfg.RateLimiter != nil {
		chatGroup.Use(cfg.RateLimiter.Middleware("tenant_id"))
	}
	chatHandler.RegisterRoutes(chatGroup)

	// Admin API (requires API key)
	adminHandler := admin.NewHandler(adminService, logger)
	adminGroup := r.Group("/api/admin")
	adminGroup.Use(middleware.Auth(cfg.APIKey, logger))
	adminHandler.RegisterRoutes(adminGroup)

	return r
}
