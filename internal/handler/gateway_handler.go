package handler

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
	"github.com/kursadbilgin/callback-engine/internal/queue"
)

// ChannelEventHandler accepts switch channel events.
type ChannelEventHandler interface {
	HandleChannelEvent(ctx context.Context, ev gateway.ChannelEvent) error
}

// RegisterGatewayRoutes exposes the webhook variant of the switch event feed.
// The payload is the same JSON the broker consumer decodes.
func RegisterGatewayRoutes(router fiber.Router, events ChannelEventHandler) error {
	if events == nil {
		return fmt.Errorf("channel event handler is required")
	}

	router.Group("/v1").Post("/gateway/events", func(c *fiber.Ctx) error {
		var msg queue.ChannelEventMessage
		if err := c.BodyParser(&msg); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := msg.Validate(); err != nil {
			return toHTTPError(fmt.Errorf("%w: %v", domain.ErrValidation, err))
		}

		if err := events.HandleChannelEvent(requestContext(c), msg.ToGatewayEvent()); err != nil {
			return toHTTPError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	return nil
}
