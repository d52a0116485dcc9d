package router

import (
	"github.com/gofiber/fiber/v2"

	apiv1 "github.com/xiaoyanina/sistine-starter2-sub001/internal/api/v1"
)

type ApiRouter struct {
	deps      apiv1.Deps
	protect   fiber.Handler
	rateLimit fiber.Handler
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(h.deps)
	apiv1.RegisterHandlers(v1, apiServer, h.protect, h.rateLimit)
}

func NewApiRouter(deps apiv1.Deps, protect, rateLimit fiber.Handler) *ApiRouter {
	return &ApiRouter{deps: deps, protect: protect, rateLimit: rateLimit}
}
