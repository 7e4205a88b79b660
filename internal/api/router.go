package api

import (
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askchat/internal/api/middleware"
	"github.com/liliang-cn/askchat/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the relay router
type RouterConfig struct {
	Target       *url.URL
	APIKey       string
	AllowOrigins []string
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Relay
	Logger   *zap.Logger
}

// SetupRouter sets up the Gin router of the relay
func SetupRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "target": cfg.Target.String()})
	})

	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// Backend API (relay key when configured)
	proxy := NewProxy(cfg.Target, logger)
	apiGroup := r.Group("/api")
	apiGroup.Use(middleware.Auth(cfg.APIKey), middleware.Metrics(cfg.Metrics))
	apiGroup.Any("/*path", proxyHandler(proxy))

	return r
}
