package handlers

import (
	"log"

	"github.com/anjiri1684/groupgate/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

func respondError(c *fiber.Ctx, err error) error {
	kind := services.KindOf(err)
	status := fiber.StatusInternalServerError
	message := "Internal server error"

	switch kind {
	case services.KindValidation:
		status, message = fiber.StatusBadRequest, err.Error()
	case services.KindNotFound:
		status, message = fiber.StatusNotFound, err.Error()
	case services.KindPermission:
		status, message = fiber.StatusForbidden, err.Error()
	case services.KindDuplicate:
		status, message = fiber.StatusConflict, err.Error()
	case services.KindDependency:
		status, message = fiber.StatusBadGateway, "Upstream service unavailable, please retry"
	}

	if status >= fiber.StatusInternalServerError {
		log.Printf("🔥 %s %s failed (%s): %v", c.Method(), c.Path(), kind, err)
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}
