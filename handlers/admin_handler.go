package handlers

import (
	"context"
	"errors"

	"github.com/anjiri1684/groupgate/jobs"
	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type jobControl interface {
	Names() []string
	Trigger(name string) error
	RunNow(name string) error
	Cancel(name string) bool
}

type payoutSummarizer interface {
	Summarize(ctx context.Context, ownerID uuid.UUID) (*jobs.PayoutSummary, error)
}

func ListJobs(scheduler jobControl) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"jobs": scheduler.Names()})
	}
}

// RunJob starts a job in the background, or synchronously with ?wait=true.
func RunJob(scheduler jobControl) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		if !knownJob(scheduler, name) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown job"})
		}

		if c.QueryBool("wait") {
			err := scheduler.RunNow(name)
			switch {
			case errors.Is(err, jobs.ErrJobBusy):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Job is already running"})
			case err != nil:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
			}
			return c.JSON(fiber.Map{"message": "Job finished", "job": name})
		}

		if err := scheduler.Trigger(name); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"message": "Job started", "job": name})
	}
}

func CancelJob(scheduler jobControl) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		if !knownJob(scheduler, name) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown job"})
		}
		cancelled := scheduler.Cancel(name)
		return c.JSON(fiber.Map{"job": name, "cancelled": cancelled})
	}
}

func knownJob(scheduler jobControl, name string) bool {
	for _, n := range scheduler.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func CancelSubscription(db *gorm.DB, machine *services.SubscriptionMachine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := uuid.Parse(c.Params("id"))
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Subscription not found"})
		}

		var sub *models.Subscription
		err = db.WithContext(c.UserContext()).Transaction(func(tx *gorm.DB) error {
			var err error
			sub, err = machine.Cancel(tx, id)
			return err
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"message": "Subscription cancelled", "data": sub})
	}
}

func GetPayoutSummary(payouts payoutSummarizer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ownerID, err := uuid.Parse(c.Params("ownerId"))
		if err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Owner not found"})
		}
		summary, err := payouts.Summarize(c.UserContext(), ownerID)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(summary)
	}
}
