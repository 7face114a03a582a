package routes

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/modelrelay/cmd/coordinator/container"
	"github.com/lyzr/modelrelay/cmd/coordinator/handlers"
	"github.com/lyzr/modelrelay/cmd/coordinator/middleware"
)

// RegisterJobRoutes registers download, transfer and job routes
func RegisterJobRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewJobHandler(c.Coordinator)

	var starts []echo.MiddlewareFunc
	if c.StartLimiter != nil {
		limit := int64(c.Components.Config.Service.StartLimit)
		starts = append(starts, middleware.StartLimit(c.StartLimiter, limit, time.Minute))
	}

	e.POST("/api/v1/downloads", h.StartDownload, starts...) // POST /api/v1/downloads
	e.POST("/api/v1/transfers", h.StartTransfer, starts...) // POST /api/v1/transfers

	jobs := e.Group("/api/v1/jobs")
	{
		jobs.GET("", h.ListJobs)              // GET /api/v1/jobs
		jobs.GET("/:id", h.GetJob)            // GET /api/v1/jobs/{id}
		jobs.POST("/:id/cancel", h.CancelJob) // POST /api/v1/jobs/{id}/cancel
		jobs.POST("/:id/resume", h.ResumeJob) // POST /api/v1/jobs/{id}/resume
	}
}

// RegisterRepoRoutes registers page identification and reconciliation routes
func RegisterRepoRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRepoHandler(c.Coordinator)
	srv := handlers.NewServerHandler(c.JobServer)

	e.GET("/api/v1/state", h.State)                // GET /api/v1/state
	e.GET("/api/v1/server/health", h.ServerHealth) // GET /api/v1/server/health
	e.GET("/api/v1/server/jobs", srv.ServerJobs)   // GET /api/v1/server/jobs

	repo := e.Group("/api/v1/repo")
	{
		repo.POST("/identify", h.Identify) // POST /api/v1/repo/identify
		repo.GET("/current", h.Current)    // GET /api/v1/repo/current
	}
}

// RegisterSettingsRoutes registers job server settings routes
func RegisterSettingsRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewSettingsHandler(c.Settings)

	settings := e.Group("/api/v1/settings")
	{
		settings.GET("", h.GetSettings)     // GET /api/v1/settings
		settings.PATCH("", h.PatchSettings) // PATCH /api/v1/settings
	}
}

// RegisterEventRoutes registers the websocket broadcast stream
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	e.GET("/ws", c.Fanout.HandleWebSocket) // GET /ws
}
