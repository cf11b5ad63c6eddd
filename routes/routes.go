package routes

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/anjiri1684/groupgate/handlers"
	"github.com/anjiri1684/groupgate/jobs"
	"github.com/anjiri1684/groupgate/middleware"
	"github.com/anjiri1684/groupgate/ratelimit"
	"github.com/anjiri1684/groupgate/services"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type Deps struct {
	DB            *gorm.DB
	Ingestor      *services.PaymentIngestor
	Checkout      *services.CheckoutService
	Machine       *services.SubscriptionMachine
	Scheduler     *jobs.Scheduler
	Payouts       *jobs.PayoutCalculator
	Limiter       ratelimit.Limiter
	WebhookSecret string
	JWTSecret     string
}

func PaymentRoutes(app *fiber.App, d Deps) {
	api := app.Group("/api/v1")

	api.Post("/payments/webhook", handlers.HandlePaystackWebhook(d.Ingestor, d.WebhookSecret))

	limit := func(c *fiber.Ctx) error { return c.Next() }
	if d.Limiter != nil {
		limit = middleware.RateLimit(d.Limiter, checkoutIdentity)
	}
	api.Post("/groups/:groupId/checkout", limit, handlers.StartCheckout(d.Checkout))
	api.Post("/subscriptions/:subscriptionId/renew", limit, handlers.StartRenewal(d.Checkout))
}

func AdminRoutes(app *fiber.App, d Deps) {
	admin := app.Group("/api/v1/admin", middleware.Protected(d.JWTSecret), middleware.AdminRequired())

	admin.Get("/jobs", handlers.ListJobs(d.Scheduler))
	admin.Post("/jobs/:name/run", handlers.RunJob(d.Scheduler))
	admin.Post("/jobs/:name/cancel", handlers.CancelJob(d.Scheduler))

	admin.Post("/subscriptions/:id/cancel", handlers.CancelSubscription(d.DB, d.Machine))
	admin.Get("/owners/:ownerId/payout-summary", handlers.GetPayoutSummary(d.Payouts))
}

// checkoutIdentity keys checkout limits on the payer's email, or on the subscription
// being renewed, and falls back to the client address.
func checkoutIdentity(c *fiber.Ctx) string {
	if id := c.Params("subscriptionId"); id != "" {
		return "renew:" + id
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(bytes.NewReader(c.Body())).Decode(&body); err == nil && body.Email != "" {
		return "checkout:" + strings.ToLower(strings.TrimSpace(body.Email))
	}
	return "checkout-ip:" + c.IP()
}
