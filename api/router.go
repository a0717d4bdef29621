// Package api is the HTTP surface: submission, explicit triggers, status
// and download grants.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"c3d/jobs"
)

type Dependencies struct {
	Submit       *jobs.SubmitService
	Status       *jobs.StatusService
	Download     *jobs.DownloadService
	Convert      *jobs.ConvertService
	HealthChecks map[string]HealthCheck
	Logger       *slog.Logger

	RateLimit      float64
	RateBurst      int
	MaxRequestBody int64
}

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(deps *Dependencies) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(RequestID())
	router.Use(Recovery(deps.Logger))
	router.Use(Logger(deps.Logger))
	router.Use(CORS())

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not Found"})
	})
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "Not Found"})
	})

	// Metrics and health (no rate limiting)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(deps)
	router.GET("/health", h.Health)
	router.GET("/status/:jobId", h.Status)
	router.GET("/download-url/:jobId", h.DownloadURL)

	writes := router.Group("/")
	if deps.MaxRequestBody > 0 {
		writes.Use(BodySizeLimit(deps.MaxRequestBody))
	}
	if deps.RateLimit > 0 {
		writes.Use(RateLimit(deps.RateLimit, deps.RateBurst))
	}
	{
		writes.POST("/upload-url", h.UploadURL)
		writes.POST("/convert", h.Convert)
	}

	return router
}
