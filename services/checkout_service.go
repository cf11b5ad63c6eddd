package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/anjiri1684/groupgate/models"
	"github.com/anjiri1684/groupgate/payments"
	"github.com/anjiri1684/groupgate/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CheckoutGateway opens a hosted payment page for a pending charge.
type CheckoutGateway interface {
	InitializeTransaction(ctx context.Context, req payments.InitializeRequest) (*payments.Session, error)
}

type SubscriberDetails struct {
	FullName         string `json:"fullName" validate:"required,min=2,max=255"`
	Email            string `json:"email" validate:"required,email"`
	Phone            string `json:"phone" validate:"omitempty,max=50"`
	TelegramUsername string `json:"telegramUsername" validate:"required,min=2,max=100"`
	AutoRenew        bool   `json:"autoRenew"`
}

type CheckoutResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
}

type CheckoutService struct {
	DB          *gorm.DB
	Gateway     CheckoutGateway
	CallbackURL string

	validate *validator.Validate
}

func NewCheckoutService(db *gorm.DB, gateway CheckoutGateway, callbackURL string) *CheckoutService {
	return &CheckoutService{DB: db, Gateway: gateway, CallbackURL: callbackURL, validate: validator.New()}
}

// StartInitial opens a checkout for a first-time subscriber of group.
func (s *CheckoutService) StartInitial(ctx context.Context, groupID uuid.UUID, details SubscriberDetails) (*CheckoutResult, error) {
	const op = "start checkout"
	if err := s.validate.Struct(details); err != nil {
		return nil, Validation(op, err)
	}
	db := s.DB.WithContext(ctx)

	group, err := s.activeGroup(db, op, groupID)
	if err != nil {
		return nil, err
	}

	handle := models.NormalizeHandle(details.TelegramUsername)
	metadata := map[string]interface{}{
		"groupId":          group.ID.String(),
		"paymentType":      models.ContextInitial,
		"telegramUsername": handle,
		"fullName":         details.FullName,
		"phone":            details.Phone,
		"channel":          "telegram",
		"autoRenew":        details.AutoRenew,
	}
	pending := models.Payment{
		PayerName:  details.FullName,
		PayerEmail: details.Email,
		PayerPhone: details.Phone,
		GroupID:    group.ID,
		Context:    models.ContextInitial,
	}
	return s.open(ctx, db, op, "grp", group, &pending, metadata)
}

// StartRenewal opens a checkout that extends an existing subscription.
func (s *CheckoutService) StartRenewal(ctx context.Context, subscriptionID uuid.UUID) (*CheckoutResult, error) {
	const op = "start renewal"
	db := s.DB.WithContext(ctx)

	var sub models.Subscription
	err := db.Take(&sub, "id = ?", subscriptionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound(op, fmt.Errorf("subscription %s not found", subscriptionID))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if sub.Status == models.SubscriptionStatusCancelled {
		return nil, Validation(op, fmt.Errorf("subscription %s is cancelled", sub.ID))
	}
	if sub.SubscriberEmail == "" {
		return nil, Validation(op, fmt.Errorf("subscription %s has no email on file", sub.ID))
	}

	group, err := s.activeGroup(db, op, sub.GroupID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]interface{}{
		"groupId":          group.ID.String(),
		"paymentType":      models.ContextRenewal,
		"subscriptionId":   sub.ID.String(),
		"telegramUsername": sub.SubscriberHandle,
		"fullName":         sub.SubscriberName,
		"phone":            sub.SubscriberPhone,
		"channel":          sub.Channel,
	}
	pending := models.Payment{
		PayerName:      sub.SubscriberName,
		PayerEmail:     sub.SubscriberEmail,
		PayerPhone:     sub.SubscriberPhone,
		GroupID:        group.ID,
		SubscriptionID: &sub.ID,
		Context:        models.ContextRenewal,
	}
	return s.open(ctx, db, op, "rnw", group, &pending, metadata)
}

func (s *CheckoutService) activeGroup(db *gorm.DB, op string, id uuid.UUID) (*models.Group, error) {
	var group models.Group
	err := db.Take(&group, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFound(op, fmt.Errorf("group %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !group.IsActive {
		return nil, Validation(op, fmt.Errorf("group %s is not accepting subscribers", id))
	}
	if group.Price <= 0 {
		return nil, Validation(op, fmt.Errorf("group %s has no price", id))
	}
	return &group, nil
}

// open reserves a reference, asks the gateway for a hosted page, and records the
// pending payment the webhook will later settle.
func (s *CheckoutService) open(ctx context.Context, db *gorm.DB, op, prefix string, group *models.Group, pending *models.Payment, metadata map[string]interface{}) (*CheckoutResult, error) {
	ref, err := utils.GenerateUniqueReference(db, prefix)
	if err != nil {
		return nil, fmt.Errorf("%s: reference: %w", op, err)
	}

	session, err := s.Gateway.InitializeTransaction(ctx, payments.InitializeRequest{
		Email:       pending.PayerEmail,
		Amount:      group.Price,
		Currency:    group.Currency,
		Reference:   ref,
		CallbackURL: s.CallbackURL,
		Metadata:    metadata,
	})
	if err != nil {
		log.Printf("🔥 Gateway initialize failed for %s: %v", ref, err)
		return nil, Dependency(op, err)
	}

	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: encode metadata: %w", op, err)
	}
	pending.GatewayRef = ref
	pending.Amount = group.Price
	pending.Currency = group.Currency
	pending.Status = models.PaymentStatusPending
	pending.Metadata = datatypes.JSON(rawMeta)
	if err := db.Create(pending).Error; err != nil {
		return nil, fmt.Errorf("%s: record pending payment: %w", op, err)
	}

	log.Printf("✅ Checkout %s opened for group %s (%s)", ref, group.ID, pending.Context)
	return &CheckoutResult{
		AuthorizationURL: session.AuthorizationURL,
		AccessCode:       session.AccessCode,
		Reference:        ref,
		Amount:           group.Price,
		Currency:         group.Currency,
	}, nil
}

// AbandonStaleCheckouts marks pending checkouts created before cutoff as abandoned.
// A late webhook can still settle them.
func AbandonStaleCheckouts(tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.Model(&models.Payment{}).
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, cutoff).
		Update("status", models.PaymentStatusAbandoned)
	return res.RowsAffected, res.Error
}
