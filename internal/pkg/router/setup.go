package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/xiaoyanina/sistine-starter2-sub001/internal/api/v1"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Config carries everything the routers need.
type Config struct {
	API       apiv1.Deps
	Protect   fiber.Handler
	RateLimit fiber.Handler
	Health    HealthCheck
	Ops       OpsCredentials
}

func InstallRouter(app *fiber.App, cfg Config) {
	// Ops routes first so /healthz and /metrics never hit the API limiter.
	setup(app, NewOpsRouter(cfg.Health, cfg.Ops), NewApiRouter(cfg.API, cfg.Protect, cfg.RateLimit))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
