package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthTimeout = 2 * time.Second

type healthCheck struct {
	name string
	ping func(context.Context) error
}

// RegisterHealthRoutes adds /healthz. Backends that are not configured are
// reported as such and do not fail the check.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	var checks []healthCheck
	status := fiber.Map{"postgres": "memory", "redis": "disabled"}
	if d.DB != nil {
		checks = append(checks, healthCheck{name: "postgres", ping: d.DB.Ping})
	}
	if d.Cache != nil {
		checks = append(checks, healthCheck{name: "redis", ping: func(ctx context.Context) error {
			return d.Cache.Ping(ctx).Err()
		}})
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		report := make(fiber.Map, len(status))
		for k, v := range status {
			report[k] = v
		}
		code := http.StatusOK
		for _, chk := range checks {
			if err := chk.ping(ctx); err != nil {
				report[chk.name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			report[chk.name] = "ok"
		}
		return c.Status(code).JSON(fiber.Map{
			"status":    report,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
