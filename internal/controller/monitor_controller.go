package controller

import (
	"ai-legalchat-be/internal/relay"

	"github.com/gofiber/fiber/v2"
)

type IMonitorController interface {
	RegisterRoutes(r fiber.Router)
	Health(ctx *fiber.Ctx) error
	Metrics(ctx *fiber.Ctx) error
}

type monitorController struct {
	aggregator *relay.Aggregator
}

func NewMonitorController(aggregator *relay.Aggregator) IMonitorController {
	return &monitorController{aggregator: aggregator}
}

func (c *monitorController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/ws")
	h.Get("/health", c.Health)
	h.Get("/metrics", c.Metrics)
}

// Health reports the coarse classification plus the numbers behind it. A
// critical relay answers 503 so load balancers can act on it.
func (c *monitorController) Health(ctx *fiber.Ctx) error {
	snap := c.aggregator.SnapshotNow()

	status := fiber.StatusOK
	if snap.Status == relay.HealthCritical {
		status = fiber.StatusServiceUnavailable
	}
	return ctx.Status(status).JSON(fiber.Map{
		"status":      snap.Status,
		"connections": snap.Connections,
		"users":       snap.Users,
		"timestamp":   snap.Timestamp,
	})
}

func (c *monitorController) Metrics(ctx *fiber.Ctx) error {
	return ctx.JSON(c.aggregator.SnapshotNow())
}
