package handlers

import (
	"context"
	"log"

	"github.com/anjiri1684/groupgate/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type checkoutStarter interface {
	StartInitial(ctx context.Context, groupID uuid.UUID, details services.SubscriberDetails) (*services.CheckoutResult, error)
	StartRenewal(ctx context.Context, subscriptionID uuid.UUID) (*services.CheckoutResult, error)
}

func StartCheckout(checkout checkoutStarter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		groupID, err := uuid.Parse(c.Params("groupId"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid group ID"})
		}

		var req services.SubscriberDetails
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse JSON"})
		}

		result, err := checkout.StartInitial(c.UserContext(), groupID, req)
		if err != nil {
			return respondError(c, err)
		}
		log.Printf("📤 Checkout %s opened for group %s", result.Reference, groupID)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"message": "Checkout initialized",
			"data":    result,
		})
	}
}

func StartRenewal(checkout checkoutStarter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		subID, err := uuid.Parse(c.Params("subscriptionId"))
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Subscription not found"})
		}

		result, err := checkout.StartRenewal(c.UserContext(), subID)
		if err != nil {
			return respondError(c, err)
		}
		log.Printf("📤 Renewal checkout %s opened for subscription %s", result.Reference, subID)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"message": "Renewal initialized",
			"data":    result,
		})
	}
}
