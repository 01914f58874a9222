package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grading/internal/config"
	"github.com/noah-isme/gema-grading/internal/handler"
	"github.com/noah-isme/gema-grading/internal/middleware"
	"github.com/noah-isme/gema-grading/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	GradingHandler       *handler.GradingHandler
	GradingStreamHandler *handler.GradingStreamHandler
	JWTMiddleware        fiber.Handler
	HealthProbes         []handler.HealthProbe
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = middleware.JWTProtected(cfg.JWTSecret)
	}

	grading := api.Group("/grading",
		jwtMiddleware,
		middleware.RequireUser(),
		middleware.RequireRole(middleware.RoleInstructor, middleware.RoleAdmin),
	)
	if deps.GradingHandler != nil {
		deps.GradingHandler.Register(grading)
	}
	if deps.GradingStreamHandler != nil {
		deps.GradingStreamHandler.Register(grading)
	}
}
