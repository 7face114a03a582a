package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lyzr/modelrelay/cmd/coordinator/container"
	coordmw "github.com/lyzr/modelrelay/cmd/coordinator/middleware"
	"github.com/lyzr/modelrelay/cmd/coordinator/routes"
	"github.com/lyzr/modelrelay/common/bootstrap"
	"github.com/lyzr/modelrelay/common/config"
	"github.com/lyzr/modelrelay/common/db"
	"github.com/lyzr/modelrelay/common/repository"
	"github.com/lyzr/modelrelay/common/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (logger, kv store, redis, history db, telemetry)
	components, err := bootstrap.Setup(ctx, "coordinator",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.NewJobHistoryRepository(database).Migrate(ctx)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap coordinator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize service container", "error", err)
		os.Exit(1)
	}
	defer serviceContainer.Close()

	e := setupEcho()
	setupMiddleware(e, components.Config)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	if err := run(ctx, e, serviceContainer); err != nil {
		components.Logger.Error("coordinator stopped with error", "error", err)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, cfg *config.Config) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Service.CORSOrigins,
	}))
	e.Use(middleware.RequestID())
	e.Use(coordmw.RequestContext())

	if cfg.Service.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				// long-lived stream, and views poll health often
				return c.Path() == "/ws" || c.Path() == "/health"
			},
			Store: middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.Service.RateLimit)),
		}))
	}
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "coordinator",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterRepoRoutes(e, serviceContainer)
	routes.RegisterJobRoutes(e, serviceContainer)
	routes.RegisterSettingsRoutes(e, serviceContainer)
	routes.RegisterEventRoutes(e, serviceContainer)
}

// run serves the API, telemetry and the redis mirror until ctx is done or one of them fails
func run(ctx context.Context, e *echo.Echo, c *container.Container) error {
	components := c.Components
	g, ctx := errgroup.WithContext(ctx)

	api := server.New("coordinator", components.Config.Service.Port, e, components.Logger)
	g.Go(func() error {
		return api.Start(ctx)
	})

	if components.Telemetry != nil {
		g.Go(func() error {
			return components.Telemetry.Start(ctx)
		})
	}

	if c.Mirror != nil {
		g.Go(func() error {
			return c.Mirror.Run(ctx)
		})
	}

	return g.Wait()
}
