package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// OpsCredentials protect /metrics and /monitor. Empty credentials leave
// /metrics open and disable /monitor.
type OpsCredentials struct {
	User     string
	Password string
	// Gatherer defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer
}

// OpsCredentialsFromEnv reads METRICS_USER and METRICS_PASSWORD.
func OpsCredentialsFromEnv() OpsCredentials {
	return OpsCredentials{
		User:     env.GetEnv("METRICS_USER", ""),
		Password: env.GetEnv("METRICS_PASSWORD", ""),
	}
}

type OpsRouter struct {
	health HealthCheck
	creds  OpsCredentials
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	gatherer := h.creds.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics := adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if h.creds.User == "" || h.creds.Password == "" {
		app.Get("/metrics", metrics)
		return
	}

	auth := basicauth.New(basicauth.Config{
		Users: map[string]string{h.creds.User: h.creds.Password},
	})
	app.Get("/metrics", auth, metrics)
	app.Get("/monitor", auth, monitor.New(monitor.Config{Title: "Credit grants"}))
}

func (h OpsRouter) handleHealth(c *fiber.Ctx) error {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func NewOpsRouter(health HealthCheck, creds OpsCredentials) *OpsRouter {
	return &OpsRouter{health: health, creds: creds}
}
