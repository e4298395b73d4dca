package router

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cuongbtq/pixelhive/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options tune the router beyond the handler dependencies
type Options struct {
	AllowedOrigins []string
	// ObjectsDir is served under /objects when local object storage is used
	ObjectsDir string
	// HealthChecks are run by /health, keyed by component name
	HealthChecks map[string]func(context.Context) error
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	r.GET("/health", healthHandler(opts.HealthChecks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if opts.ObjectsDir != "" {
		r.Static("/objects", opts.ObjectsDir)
	}

	jobHandler := handler.NewJobHandler(deps)
	fileHandler := handler.NewFileHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}

		v1.POST("/files", fileHandler.UploadFile)
	}

	return r
}

// healthHandler reports 503 when any backend check fails
func healthHandler(checks map[string]func(context.Context) error) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		components := make(gin.H, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				components[name] = err.Error()
				status, code = "unhealthy", http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		c.JSON(code, gin.H{
			"status":     status,
			"service":    "pixelhive-api",
			"components": components,
		})
	}
}
