package limiter

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/cache"
	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

// Redis database holding limiter buckets (cache uses DB 0).
const storageDatabase = 2

// Config controls one limiter instance. Zero values fall back to defaults.
type Config struct {
	Max        int
	Expiration time.Duration
	// Storage is nil for fiber's in-memory store.
	Storage fiber.Storage
}

// ConfigFromEnv reads GRANT_RATE_MAX and GRANT_RATE_WINDOW.
func ConfigFromEnv() Config {
	return Config{
		Max:        env.GetEnvInt("GRANT_RATE_MAX", 10),
		Expiration: env.GetEnvDuration("GRANT_RATE_WINDOW", time.Minute),
	}
}

// NewRedisStorage builds limiter storage on the same Redis server as the
// cache client.
func NewRedisStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: storageDatabase,
		Reset:    false,
	})
}

// New returns a per-IP limiter answering 429 with a JSON body.
func New(cfg Config) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 10
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    cfg.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "grants:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too_many_requests",
				"message": "Rate limit exceeded, retry later",
			})
		},
	})
}
