package api

import (
	"net/http"
	"strings"

	"Storyloom/backend/go/internal/config"
	"Storyloom/backend/go/pkg/httpmiddleware"
	"Storyloom/backend/go/pkg/ratelimiter"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	operatorHeader = "X-Operator-ID"
	operatorKey    = "operatorID"
)

// OperatorMiddleware is a placeholder for real authentication. It records the caller's
// operator id, taken from the X-Operator-ID header, in the gin context.
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		operator := strings.TrimSpace(c.GetHeader(operatorHeader))
		if operator == "" {
			operator = "anonymous"
		}
		c.Set(operatorKey, operator)
		c.Next()
	}
}

// RouterConfig carries the settings NewRouter needs besides the handlers.
type RouterConfig struct {
	Server      config.ServerConfig
	RateLimiter config.RateLimiterConfig
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the gin engine serving every route of the pipeline service.
func NewRouter(a *API, cfg RouterConfig) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(a.logger))

	if cfg.Server.EnableCORS {
		corsConfig := cors.DefaultConfig()
		if len(cfg.Server.AllowOrigins) == 0 {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.Server.AllowOrigins
		}
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Cache-Control", operatorHeader}
		corsConfig.ExposeHeaders = []string{"X-Pipeline-ID"}
		r.Use(cors.New(corsConfig))
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/healthz", a.HealthHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	v1.Use(OperatorMiddleware())
	if cfg.RateLimiter.Enabled {
		limiter, err := ratelimiter.NewKeyed(4096, func() ratelimiter.RateLimiter {
			return ratelimiter.NewTokenBucket(cfg.RateLimiter.Rate, cfg.RateLimiter.Capacity)
		})
		if err != nil {
			return nil, err
		}
		v1.Use(httpmiddleware.RateLimit(limiter))
	}

	pipelines := v1.Group("/pipelines")
	{
		pipelines.POST("", a.StartPipelineHandler)
		pipelines.POST("/stream", a.StartAndStreamHandler)
		pipelines.GET("", a.ListPipelinesHandler)
		pipelines.GET("/:id", a.GetPipelineHandler)
		pipelines.POST("/:id/control", a.ControlPipelineHandler)
		pipelines.GET("/:id/events", a.PipelineEventsHandler)
		pipelines.GET("/:id/tasks", a.PipelineTasksHandler)
	}

	chapters := v1.Group("/projects/:projectId/chapters/:chapterId")
	{
		chapters.POST("/recover", a.RecoverChapterHandler)
		chapters.POST("/summary", a.SummarizeChapterHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r, nil
}
