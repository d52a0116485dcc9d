package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/xiaoyanina/sistine-starter2-sub001/internal/pkg/env"
)

// TriggerCredentials holds the secrets accepted by TriggerAuth. Empty fields
// disable that scheme.
type TriggerCredentials struct {
	BearerSecret  string
	BasicUser     string
	BasicPassword string
}

// TriggerCredentialsFromEnv reads CRON_SECRET, CRON_BASIC_USER and
// CRON_BASIC_PASSWORD.
func TriggerCredentialsFromEnv() TriggerCredentials {
	return TriggerCredentials{
		BearerSecret:  env.GetEnv("CRON_SECRET", ""),
		BasicUser:     env.GetEnv("CRON_BASIC_USER", ""),
		BasicPassword: env.GetEnv("CRON_BASIC_PASSWORD", ""),
	}
}

func (tc TriggerCredentials) basicEnabled() bool {
	return tc.BasicUser != "" && tc.BasicPassword != ""
}

// TriggerAuth protects scheduler-facing routes. A bearer token is checked
// against BearerSecret; anything else goes through HTTP basic auth. With no
// credentials configured every request is refused.
func TriggerAuth(tc TriggerCredentials) fiber.Handler {
	var basic fiber.Handler
	if tc.basicEnabled() {
		basic = basicauth.New(basicauth.Config{
			Users:        map[string]string{tc.BasicUser: tc.BasicPassword},
			Realm:        "grants",
			Unauthorized: unauthorized("Invalid credentials"),
		})
	}
	if tc.BearerSecret == "" && basic == nil {
		log.Warn("[TriggerAuth] No CRON_SECRET or basic credentials configured, trigger routes are locked")
	}

	return func(c *fiber.Ctx) error {
		if token := extractBearerToken(c); token != "" {
			if tc.BearerSecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(tc.BearerSecret)) == 1 {
				return c.Next()
			}
			return unauthorized("Invalid token")(c)
		}
		if basic != nil {
			return basic(c)
		}
		return unauthorized("Missing credentials")(c)
	}
}

func unauthorized(message string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": message})
	}
}

func extractBearerToken(c *fiber.Ctx) string {
	auth := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
