package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anjiri1684/groupgate/jobs"
	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/payments"
	"github.com/anjiri1684/groupgate/ratelimit"
	"github.com/anjiri1684/groupgate/routes"
	"github.com/anjiri1684/groupgate/services"
	"github.com/anjiri1684/groupgate/testutil"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"
)

const (
	webhookSecret = "sk_test_secret"
	jwtSecret     = "jwt-secret"
)

type captureGateway struct {
	requests []payments.InitializeRequest
}

func (g *captureGateway) InitializeTransaction(_ context.Context, req payments.InitializeRequest) (*payments.Session, error) {
	g.requests = append(g.requests, req)
	return &payments.Session{AuthorizationURL: "https://checkout.example/" + req.Reference, Reference: req.Reference}, nil
}

type app struct {
	*fiber.App
	db      *gorm.DB
	gateway *captureGateway
}

func newApp(t *testing.T, limiter ratelimit.Limiter) *app {
	t.Helper()
	db := testutil.OpenTestDB(t)
	machine := services.NewSubscriptionMachine(func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) })
	gateway := &captureGateway{}
	scheduler := jobs.NewScheduler(nil, time.Minute, time.Minute)
	payouts := jobs.NewPayoutCalculator(db, nil, nil, jobs.DefaultFeeRate, 2)
	scheduler.Register(jobs.Job{Name: "expiry", Run: func(context.Context) error { return nil }})
	t.Cleanup(scheduler.Stop)

	deps := routes.Deps{
		DB:            db,
		Ingestor:      services.NewPaymentIngestor(db, machine, nil, "https://groupgate.example"),
		Checkout:      services.NewCheckoutService(db, gateway, "https://groupgate.example/paid"),
		Machine:       machine,
		Scheduler:     scheduler,
		Payouts:       payouts,
		Limiter:       limiter,
		WebhookSecret: webhookSecret,
		JWTSecret:     jwtSecret,
	}
	f := fiber.New()
	routes.PaymentRoutes(f, deps)
	routes.AdminRoutes(f, deps)
	return &app{App: f, db: db, gateway: gateway}
}

func (a *app) post(t *testing.T, path string, body []byte, headers map[string]string) int {
	t.Helper()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.Test(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp.StatusCode
}

func TestCheckoutThenWebhookActivatesSubscription(t *testing.T) {
	a := newApp(t, nil)
	group := testutil.Group(t, a.db, testutil.Owner(t, a.db), -1001, models.FrequencyMonthly)

	details := []byte(`{"fullName":"Ada Lovelace","email":"ada@example.com","telegramUsername":"@ada"}`)
	if code := a.post(t, "/api/v1/groups/"+group.ID.String()+"/checkout", details, nil); code != fiber.StatusCreated {
		t.Fatalf("checkout status = %d", code)
	}
	if len(a.gateway.requests) != 1 {
		t.Fatalf("gateway calls = %d", len(a.gateway.requests))
	}
	init := a.gateway.requests[0]

	paidAt := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	body, _ := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data": map[string]interface{}{
			"reference": init.Reference,
			"amount":    init.Amount,
			"currency":  "NGN",
			"channel":   "card",
			"paid_at":   paidAt,
			"metadata":  init.Metadata,
			"customer":  map[string]interface{}{"email": "ada@example.com"},
		},
	})
	headers := map[string]string{payments.SignatureHeader: payments.Sign(body, webhookSecret)}

	for i := 0; i < 2; i++ {
		if code := a.post(t, "/api/v1/payments/webhook", body, headers); code != fiber.StatusOK {
			t.Fatalf("webhook delivery %d: status = %d", i+1, code)
		}
	}

	var subs []models.Subscription
	a.db.Find(&subs)
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	if subs[0].Status != models.SubscriptionStatusActive || !subs[0].ExpiresAt.Equal(time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("subscription = %s until %s", subs[0].Status, subs[0].ExpiresAt)
	}

	var ledger []models.Payment
	a.db.Find(&ledger)
	if len(ledger) != 1 || ledger[0].Status != models.PaymentStatusSuccess {
		t.Errorf("payments = %+v", ledger)
	}

	if code := a.post(t, "/api/v1/payments/webhook", body, nil); code != fiber.StatusUnauthorized {
		t.Errorf("unsigned webhook status = %d, want 401", code)
	}
}

func TestCheckoutIsRateLimitedPerEmail(t *testing.T) {
	a := newApp(t, ratelimit.NewMemoryLimiter(1, time.Hour))
	group := testutil.Group(t, a.db, testutil.Owner(t, a.db), -1001, models.FrequencyMonthly)
	path := "/api/v1/groups/" + group.ID.String() + "/checkout"

	ada := []byte(`{"fullName":"Ada Lovelace","email":"Ada@Example.com","telegramUsername":"@ada"}`)
	if code := a.post(t, path, ada, nil); code != fiber.StatusCreated {
		t.Fatalf("first checkout = %d", code)
	}
	ada = []byte(`{"fullName":"Ada Lovelace","email":"ada@example.com","telegramUsername":"@ada"}`)
	if code := a.post(t, path, ada, nil); code != fiber.StatusTooManyRequests {
		t.Fatalf("second checkout = %d, want 429", code)
	}
	bola := []byte(`{"fullName":"Bola Tinubu","email":"bola@example.com","telegramUsername":"@bola"}`)
	if code := a.post(t, path, bola, nil); code != fiber.StatusCreated {
		t.Fatalf("other payer = %d", code)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	a := newApp(t, nil)

	if code := a.post(t, "/api/v1/admin/jobs/expiry/run", nil, nil); code != fiber.StatusBadRequest {
		t.Errorf("no token: status = %d, want 400", code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin", "exp": time.Now().Add(time.Hour).Unix()})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	auth := map[string]string{"Authorization": "Bearer " + signed}
	if code := a.post(t, "/api/v1/admin/jobs/expiry/run?wait=true", nil, auth); code != fiber.StatusOK {
		t.Errorf("admin run: status = %d, want 200", code)
	}
	if code := a.post(t, "/api/v1/admin/jobs/missing/cancel", nil, auth); code != fiber.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", code)
	}
}
