package handlers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/anjiri1684/groupgate/payments"
	"github.com/anjiri1684/groupgate/services"
	"github.com/gofiber/fiber/v2"
)

type paymentIngestor interface {
	Ingest(ctx context.Context, ev services.PaymentEvent) (*services.IngestResult, error)
}

// HandlePaystackWebhook verifies the gateway signature and records the charge. Failures
// other than bad input answer 5xx so the gateway redelivers.
func HandlePaystackWebhook(ingestor paymentIngestor, secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := c.Body()
		if !payments.VerifySignature(body, c.Get(payments.SignatureHeader), secret) {
			log.Printf("🚫 Rejected webhook with invalid signature from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid signature"})
		}

		var event payments.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Cannot parse webhook payload"})
		}
		if err := validate.Struct(event); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		log.Printf("📩 Received %s for reference %s", event.Event, event.Data.Reference)
		result, err := ingestor.Ingest(c.UserContext(), toPaymentEvent(event))
		if services.KindOf(err) == services.KindDuplicate {
			return c.JSON(fiber.Map{"message": "Payment already processed"})
		}
		if err != nil {
			if services.KindOf(err) != services.KindInternal {
				log.Printf("⚠️ Webhook %s rejected (%s): %v", event.Data.Reference, services.KindOf(err), err)
			}
			return respondError(c, err)
		}
		if result.Duplicate {
			return c.JSON(fiber.Map{"message": "Payment already processed"})
		}
		return c.JSON(fiber.Map{"message": "Webhook processed"})
	}
}

func toPaymentEvent(event payments.WebhookEvent) services.PaymentEvent {
	d := event.Data
	return services.PaymentEvent{
		Type:      event.Event,
		Reference: d.Reference,
		Amount:    d.Amount,
		Currency:  d.Currency,
		Channel:   d.Channel,
		PaidAt:    d.PaidAt,
		IPAddress: d.IPAddress,
		Customer: services.Customer{
			Name:  d.Customer.FullName(),
			Email: d.Customer.Email,
			Phone: d.Customer.Phone,
		},
		Metadata: d.MetadataMap(),
	}
}
