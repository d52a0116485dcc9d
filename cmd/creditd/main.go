package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	apiv1 "github.com/xiaoyanina/sistine-starter2-sub001/internal/api/v1"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/billing"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/cache"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/catalog"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/database"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/dispatcher"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/jobqueue"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/ledger"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/limiter"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/metrics/counter"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/metrics/prom"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/middleware"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/router"
)

func main() {
	app, scheduler := NewApplication()

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start grant scheduler: %v", err)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		scheduler.Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	cat, err := catalog.FromEnv()
	if err != nil {
		log.Fatalf("Failed to load plan catalog: %v", err)
	}
	for _, warning := range cat.Inconsistencies() {
		log.Printf("Warning: %s", warning)
	}

	db := database.GetDB()
	ledgerSvc := ledger.NewServiceFromDB(db, cat)
	billingSvc := billing.NewServiceFromDB(db, cat)
	runStats := counter.NewRecorder(cache.GetClient())
	grants := dispatcher.New(ledgerSvc.Store(), cat, ledgerSvc, dispatcher.ConfigFromEnv(), prom.Default(), runStats)

	app := fiber.New(fiber.Config{
		AppName:   "creditd",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if spec := findFile("docs/openapi.yml"); spec != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: spec,
			Path:     "v1",
		}))
	} else {
		log.Println("Warning: docs/openapi.yml not found, API docs disabled")
	}

	rateCfg := limiter.ConfigFromEnv()
	rateCfg.Storage = limiter.NewRedisStorage()

	// ROUTER
	router.InstallRouter(app, router.Config{
		API: apiv1.Deps{
			Dispatcher: grants,
			Ledger:     ledgerSvc,
			Billing:    billingSvc,
			Catalog:    cat,
			Stats:      runStats,
		},
		Protect:   middleware.TriggerAuth(middleware.TriggerCredentialsFromEnv()),
		RateLimit: limiter.New(rateCfg),
		Health:    pingDatabase(db),
		Ops:       router.OpsCredentialsFromEnv(),
	})

	return app, jobqueue.NewManager(grants, jobqueue.ConfigFromEnv())
}

func pingDatabase(db *gorm.DB) router.HealthCheck {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// findFile resolves a project-relative path from the usual working directories.
func findFile(rel string) string {
	for _, base := range []string{"./", "../../", "../../../"} {
		if _, err := os.Stat(base + rel); err == nil {
			return base + rel
		}
	}
	return ""
}
