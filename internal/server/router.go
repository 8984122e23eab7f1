package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dreamforge/dreamforge-backend/internal/handlers"
	"github.com/dreamforge/dreamforge-backend/internal/metrics"
)

type RouterConfig struct {
	JobsHandler      *handlers.JobsHandler
	ArtifactsHandler *handlers.ArtifactsHandler
	LogsHandler      *handlers.LogsHandler
	ProgressHandler  *handlers.ProgressHandler
	ModelsHandler    *handlers.ModelsHandler
	HealthHandler    *handlers.HealthHandler
	Metrics          *metrics.Metrics
	AllowOrigins     []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Probes    ||
	// ===============
	router.GET("/healthz", cfg.HealthHandler.Healthz)
	router.GET("/readyz", cfg.HealthHandler.Readyz)
	router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	// ===============
	// || API v1    ||
	// ===============
	v1 := router.Group("/v1")
	{
		// Jobs
		v1.POST("/jobs", cfg.JobsHandler.Submit)
		v1.GET("/jobs", cfg.JobsHandler.List)
		v1.GET("/jobs/:id", cfg.JobsHandler.Get)
		v1.GET("/jobs/:id/artifacts", cfg.ArtifactsHandler.List)
		v1.GET("/jobs/:id/logs", cfg.LogsHandler.Tail)
		v1.GET("/jobs/:id/progress", cfg.ProgressHandler.Snapshot)
		v1.GET("/jobs/:id/progress/stream", cfg.ProgressHandler.Stream)
		// Models
		v1.GET("/models", cfg.ModelsHandler.List)
		v1.GET("/models/:id", cfg.ModelsHandler.Get)
		v1.PATCH("/models/:id/enabled", cfg.ModelsHandler.SetEnabled)
	}

	return router
}
