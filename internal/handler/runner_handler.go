package handler

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

type Runner interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// RegisterRunnerRoutes lets operators toggle the auto-runner. The runner is
// started with base rather than the request context so it outlives the request.
func RegisterRunnerRoutes(router fiber.Router, base context.Context, runner Runner) error {
	if runner == nil {
		return fmt.Errorf("runner is required")
	}
	if base == nil {
		base = context.Background()
	}

	v1 := router.Group("/v1")
	v1.Get("/autorunner", func(c *fiber.Ctx) error {
		return runnerStatus(c, runner)
	})
	v1.Post("/autorunner", func(c *fiber.Ctx) error {
		runner.Start(base)
		return runnerStatus(c, runner)
	})
	v1.Delete("/autorunner", func(c *fiber.Ctx) error {
		runner.Stop()
		return runnerStatus(c, runner)
	})

	return nil
}

func runnerStatus(c *fiber.Ctx, runner Runner) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"running": runner.Running()})
}
